// Package runner owns the session and task state machine: prompt intake,
// the one-active-task guard, dispatching queued prompts to executors, and
// finalization after a run ends.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/orchestrator/stop"
	"github.com/13ty/agor-sub000/internal/permissions"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/tracing"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// ExecutorClient is the slice of the JSON-RPC connection the runner uses.
type ExecutorClient interface {
	Call(ctx context.Context, method string, params, result any, timeout time.Duration) error
	Notify(method string, params any) error
}

// Executors is the pool surface the runner depends on.
type Executors interface {
	// Acquire returns the session's executor, spawning one when needed.
	Acquire(ctx context.Context, sess *v1.Session) (ExecutorClient, error)

	// Find returns a live executor without spawning.
	Find(sessionID string) (ExecutorClient, bool)

	// Shutdown force-terminates the session's executor.
	Shutdown(ctx context.Context, sessionID string, grace time.Duration) error
}

// FeathersExecutors is the optional pool surface for self-driving
// executors: the child gets the prompt in its argv, dials the daemon
// socket, and reports its result as an execute_result event instead of
// answering an execute_prompt call.
type FeathersExecutors interface {
	FeathersEnabled() bool
	SpawnFeathers(ctx context.Context, sess *v1.Session, task *v1.Task, cwd string) error
}

// Service drives prompts through their lifecycle.
type Service struct {
	store     session.Store
	executors Executors
	stops     *stop.Controller
	broker    *permissions.Manager
	eventBus  bus.EventBus
	limits    config.LimitsConfig
	logger    *logger.Logger

	resultsMu sync.Mutex
	results   map[string]chan *v1.ExecutePromptResult
}

// NewService builds the runner.
func NewService(store session.Store, executors Executors, stops *stop.Controller, broker *permissions.Manager, eventBus bus.EventBus, limits config.LimitsConfig, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		executors: executors,
		stops:     stops,
		broker:    broker,
		eventBus:  eventBus,
		limits:    limits,
		logger:    log.WithFields(zap.String("component", "runner")),
		results:   make(map[string]chan *v1.ExecutePromptResult),
	}
}

// CreatePrompt records a new task for the session. The task starts
// immediately when the session is idle with nothing active; otherwise it
// queues behind the current task.
func (s *Service) CreatePrompt(ctx context.Context, sess *v1.Session, prompt, permissionMode string) (*v1.Task, error) {
	if prompt == "" {
		return nil, apperrors.InvalidInput("prompt must not be empty")
	}

	task := &v1.Task{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		Prompt:         prompt,
		PermissionMode: permissionMode,
		Status:         v1.TaskStatusPending,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, sess.ID, events.TaskCreated, map[string]interface{}{
		"task_id":  task.ID,
		"sequence": task.Sequence,
	})

	// An explicit prompt may start even when the session has not re-armed;
	// only the auto-advancing queue respects ready_for_prompt.
	s.dispatch(ctx, sess.ID, true)
	return task, nil
}

// Dispatch advances the queue when the session re-armed after a completed
// task. Called after every finalization.
func (s *Service) Dispatch(ctx context.Context, sessionID string) {
	s.dispatch(ctx, sessionID, false)
}

func (s *Service) dispatch(ctx context.Context, sessionID string, explicit bool) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("dispatch: session load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if sess.Status != v1.SessionStatusIdle {
		return
	}

	// The store reports "no such task" as ErrNotFound; for dispatch that
	// simply means the slot is free or the queue is empty.
	if _, err := s.store.ActiveTask(ctx, sessionID); err == nil {
		return
	} else if !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("dispatch: active task lookup failed", zap.Error(err))
		return
	}

	next, err := s.store.NextPendingTask(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("dispatch: pending task lookup failed", zap.Error(err))
		return
	}

	if !explicit && !sess.ReadyForPrompt {
		return
	}

	go s.run(context.WithoutCancel(ctx), sess, next)
}

// run executes one task to completion and finalizes the session.
func (s *Service) run(ctx context.Context, sess *v1.Session, task *v1.Task) {
	log := s.logger.WithFields(zap.String("session_id", sess.ID), zap.String("task_id", task.ID))

	if err := s.store.SetTaskStatus(ctx, task.ID, v1.TaskStatusRunning, "", ""); err != nil {
		log.Error("mark task running failed", zap.Error(err))
		return
	}
	if err := s.store.SetSessionStatus(ctx, sess.ID, v1.SessionStatusRunning); err != nil {
		log.Error("mark session running failed", zap.Error(err))
		return
	}
	s.publish(ctx, sess.ID, events.TaskStatusChanged, map[string]interface{}{
		"task_id": task.ID,
		"status":  string(v1.TaskStatusRunning),
	})
	s.publish(ctx, sess.ID, events.SessionStatusChanged, map[string]interface{}{
		"session_id": sess.ID,
		"status":     string(v1.SessionStatusRunning),
	})

	// The user's prompt is the first transcript entry of the task.
	if err := s.store.CreateMessage(ctx, &v1.Message{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		SessionID: sess.ID,
		Role:      v1.RoleUser,
		Content:   task.Prompt,
	}); err != nil {
		log.Error("record prompt message failed", zap.Error(err))
	}

	worktree, err := s.store.GetWorktree(ctx, sess.WorktreeID)
	if err != nil {
		s.finalize(ctx, sess.ID, task.ID, v1.TaskStatusFailed, apperrors.ErrCodeNotFound, "worktree not found")
		return
	}

	if fe, ok := s.executors.(FeathersExecutors); ok && fe.FeathersEnabled() {
		s.runFeathers(ctx, fe, sess, task, worktree.Path)
		return
	}

	client, err := s.executors.Acquire(ctx, sess)
	if err != nil {
		log.Error("executor acquire failed", zap.Error(err))
		s.finalize(ctx, sess.ID, task.ID, v1.TaskStatusFailed, apperrors.ErrCodeExecutorUnresponsive, err.Error())
		return
	}

	callCtx, span := tracing.TracePromptRun(ctx, sess.ID, task.ID)
	var result v1.ExecutePromptResult
	err = client.Call(callCtx, v1.MethodExecutePrompt, v1.ExecutePromptParams{
		SessionID:      sess.ID,
		TaskID:         task.ID,
		AgenticTool:    sess.AgenticTool,
		Prompt:         task.Prompt,
		Cwd:            worktree.Path,
		PermissionMode: task.PermissionMode,
		Stream:         true,
	}, &result, s.executeTimeout())
	tracing.TracePromptResult(span, string(result.Status), err)
	span.End()
	if err != nil {
		log.Error("execute_prompt failed", zap.Error(err))
		s.finalize(ctx, sess.ID, task.ID, v1.TaskStatusFailed, apperrors.ErrCodeTransportClosed, err.Error())
		return
	}

	s.finalizeFromResult(ctx, sess.ID, task.ID, &result)
}

// runFeathers starts a per-task child and waits for the execute_result
// event it reports before exiting.
func (s *Service) runFeathers(ctx context.Context, fe FeathersExecutors, sess *v1.Session, task *v1.Task, cwd string) {
	log := s.logger.WithFields(zap.String("session_id", sess.ID), zap.String("task_id", task.ID))

	ch := s.registerResult(task.ID)
	defer s.dropResult(task.ID)

	callCtx, span := tracing.TracePromptRun(ctx, sess.ID, task.ID)
	if err := fe.SpawnFeathers(callCtx, sess, task, cwd); err != nil {
		tracing.TracePromptResult(span, "", err)
		span.End()
		log.Error("feathers spawn failed", zap.Error(err))
		s.finalize(ctx, sess.ID, task.ID, v1.TaskStatusFailed, apperrors.ErrCodeExecutorUnresponsive, err.Error())
		return
	}

	// A force-stopped child may die without reporting, so the wait also
	// watches for the stop controller finalizing the task out from under
	// this run.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(s.executeTimeout())
	for {
		select {
		case result := <-ch:
			tracing.TracePromptResult(span, string(result.Status), nil)
			span.End()
			s.finalizeFromResult(ctx, sess.ID, task.ID, result)
			return
		case <-ticker.C:
			current, err := s.store.GetTask(ctx, task.ID)
			if err == nil && current.Status.Terminal() {
				tracing.TracePromptResult(span, string(v1.ExecuteStatusCancelled), nil)
				span.End()
				return
			}
		case <-deadline:
			tracing.TracePromptResult(span, "", context.DeadlineExceeded)
			span.End()
			s.finalize(ctx, sess.ID, task.ID, v1.TaskStatusFailed, apperrors.ErrCodeTimeout, "executor never reported a result")
			return
		}
	}
}

// finalizeFromResult maps a run outcome onto the task state machine. A
// cancelled run is left to the stop controller, which owns stopped
// finalization.
func (s *Service) finalizeFromResult(ctx context.Context, sessionID, taskID string, result *v1.ExecutePromptResult) {
	switch result.Status {
	case v1.ExecuteStatusCompleted:
		s.finalize(ctx, sessionID, taskID, v1.TaskStatusCompleted, "", "")
	case v1.ExecuteStatusCancelled:
		s.logger.Info("task cancelled by stop",
			zap.String("session_id", sessionID), zap.String("task_id", taskID))
	default:
		code := apperrors.ErrCodeInternalError
		detail := "executor reported failure"
		if result.Error != nil {
			detail = result.Error.Message
			if result.Error.Code != "" {
				code = result.Error.Code
			}
		}
		s.finalize(ctx, sessionID, taskID, v1.TaskStatusFailed, code, detail)
	}
}

func (s *Service) registerResult(taskID string) chan *v1.ExecutePromptResult {
	ch := make(chan *v1.ExecutePromptResult, 1)
	s.resultsMu.Lock()
	s.results[taskID] = ch
	s.resultsMu.Unlock()
	return ch
}

func (s *Service) dropResult(taskID string) {
	s.resultsMu.Lock()
	delete(s.results, taskID)
	s.resultsMu.Unlock()
}

func (s *Service) resolveResult(taskID string, result *v1.ExecutePromptResult) {
	s.resultsMu.Lock()
	ch, ok := s.results[taskID]
	if ok {
		delete(s.results, taskID)
	}
	s.resultsMu.Unlock()
	if !ok {
		s.logger.Warn("execute_result for unknown task", zap.String("task_id", taskID))
		return
	}
	ch <- result
}

// executeTimeout leaves prompt runs effectively unbounded; stops and
// daemon shutdown are the ways out of a long run.
func (s *Service) executeTimeout() time.Duration {
	return 24 * time.Hour
}

// finalize records the terminal task state, parks the session, and kicks
// the queue. Messages must land before the terminal status because the
// store refuses appends to terminal tasks.
func (s *Service) finalize(ctx context.Context, sessionID, taskID string, status v1.TaskStatus, errorCode, errorDetail string) {
	if status == v1.TaskStatusFailed {
		// The failure surfaces in the transcript as a system message so
		// clients see it without inspecting the task record.
		msg := &v1.Message{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			SessionID: sessionID,
			Role:      v1.RoleSystem,
			Content:   errorDetail,
			Metadata:  map[string]interface{}{"code": errorCode, "message": errorDetail},
		}
		if err := s.store.CreateMessage(ctx, msg); err != nil {
			s.logger.Error("record failure message failed", zap.String("task_id", taskID), zap.Error(err))
		} else {
			s.publish(ctx, sessionID, events.MessageCreated, map[string]interface{}{
				"message_id": msg.ID,
				"task_id":    taskID,
				"role":       string(v1.RoleSystem),
			})
		}
	}
	if err := s.store.SetTaskStatus(ctx, taskID, status, errorCode, errorDetail); err != nil {
		s.logger.Error("finalize task failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.store.SetSessionStatus(ctx, sessionID, v1.SessionStatusIdle); err != nil {
		s.logger.Error("finalize session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	// Completion re-arms the queue; failure parks it until the next
	// explicit prompt.
	ready := status == v1.TaskStatusCompleted
	if err := s.store.SetReadyForPrompt(ctx, sessionID, ready); err != nil {
		s.logger.Error("finalize readiness failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.publish(ctx, sessionID, events.TaskStatusChanged, map[string]interface{}{
		"task_id":      taskID,
		"status":       string(status),
		"error_code":   errorCode,
		"error_detail": errorDetail,
	})
	s.publish(ctx, sessionID, events.SessionStatusChanged, map[string]interface{}{
		"session_id":       sessionID,
		"status":           string(v1.SessionStatusIdle),
		"ready_for_prompt": ready,
	})

	s.Dispatch(ctx, sessionID)
}

// StopActiveTask runs the stop protocol against the session's active task.
func (s *Service) StopActiveTask(ctx context.Context, sess *v1.Session) (*v1.Task, error) {
	task, err := s.store.ActiveTask(ctx, sess.ID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, apperrors.Conflict("session has no active task")
	}
	if err != nil {
		return nil, err
	}
	client, ok := s.executors.Find(sess.ID)
	if !ok {
		// No executor means nothing is actually running; finalize
		// directly through the stop controller's safety net.
		_ = s.executors.Shutdown(ctx, sess.ID, 0)
		if err := s.store.SetTaskStatus(ctx, task.ID, v1.TaskStatusStopped, "", ""); err != nil {
			return nil, err
		}
		if err := s.store.SetSessionStatus(ctx, sess.ID, v1.SessionStatusIdle); err != nil {
			return nil, err
		}
		if err := s.store.SetReadyForPrompt(ctx, sess.ID, false); err != nil {
			return nil, err
		}
		return task, nil
	}
	if err := s.stops.Stop(ctx, sess, task, client); err != nil {
		return nil, err
	}
	return task, nil
}

// ResolvePermission records a human decision: it resolves any blocked
// daemon-side request, relays the decision to the executor, and fans the
// resolution out to session subscribers.
func (s *Service) ResolvePermission(ctx context.Context, sessionID string, params v1.PermissionResolvedParams) error {
	s.broker.Resolve(params.RequestID, permissions.Decision{
		Allow:     params.Allow,
		Reason:    params.Reason,
		Remember:  params.Remember,
		Scope:     params.Scope,
		DecidedBy: params.DecidedBy,
	})

	if client, ok := s.executors.Find(sessionID); ok {
		if err := client.Notify(v1.MethodPermissionResolved, params); err != nil {
			s.logger.Warn("relay permission_resolved failed", zap.Error(err))
		}
	}

	s.publish(ctx, sessionID, v1.EventPermissionResolved, map[string]interface{}{
		"requestId": params.RequestID,
		"taskId":    params.TaskID,
		"allow":     params.Allow,
		"reason":    params.Reason,
		"decidedBy": params.DecidedBy,
	})
	return nil
}

func (s *Service) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	subject := events.BuildSessionSubject(sessionID)
	if data == nil {
		data = map[string]interface{}{}
	}
	// Subscribers on wildcard subjects route by this field.
	if _, ok := data["session_id"]; !ok {
		data["session_id"] = sessionID
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "runner", data)); err != nil {
		s.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// HandleReportMessage routes executor events: stop protocol frames go to
// the stop controller, everything else fans out to the session channel.
func (s *Service) HandleReportMessage(ctx context.Context, claims *auth.Claims, params v1.ReportMessageParams) {
	switch params.EventType {
	case v1.EventTaskStopAck:
		s.stops.HandleAck(decodeStopAck(params.EventData))
	case v1.EventTaskStoppedComplete:
		s.stops.HandleComplete(decodeStopComplete(params.EventData))
	case v1.EventExecuteResult:
		s.resolveResult(params.TaskID, decodeExecuteResult(params.EventData))
	default:
		s.publish(ctx, claims.SessionID, params.EventType, params.EventData)
	}
}

// HandleDaemonCommand executes a state-changing command on behalf of the
// executor.
func (s *Service) HandleDaemonCommand(ctx context.Context, claims *auth.Claims, params v1.DaemonCommandParams) (any, error) {
	switch params.Command {
	case v1.CommandCreateMessage:
		return s.commandCreateMessage(ctx, claims, params.Data)
	case v1.CommandEmitPermissionEvent:
		s.publish(ctx, claims.SessionID, v1.EventPermissionRequest, params.Data)
		return map[string]any{"ok": true}, nil
	case v1.CommandGetSession:
		return s.store.GetSession(ctx, claims.SessionID)
	case v1.CommandGetMessages:
		taskID, _ := params.Data["task_id"].(string)
		if taskID == "" {
			return s.store.ListSessionMessages(ctx, claims.SessionID)
		}
		return s.store.ListMessages(ctx, taskID)
	case v1.CommandUpdateSession:
		if ready, ok := params.Data["ready_for_prompt"].(bool); ok {
			sess, err := s.store.GetSession(ctx, claims.SessionID)
			if err != nil {
				return nil, err
			}
			// A stopped session never self-promotes back to readiness.
			if ready && sess.Status == v1.SessionStatusStopping {
				return nil, apperrors.Conflict("session is stopping")
			}
			if err := s.store.SetReadyForPrompt(ctx, claims.SessionID, ready); err != nil {
				return nil, err
			}
			if ready {
				s.Dispatch(ctx, claims.SessionID)
			}
		}
		return map[string]any{"ok": true}, nil
	case v1.CommandStreamStart, v1.CommandStreamChunk,
		v1.CommandThinkingStart, v1.CommandThinkingChunk, v1.CommandThinkingEnd:
		// Legacy streaming commands fan out like report_message events.
		s.publish(ctx, claims.SessionID, params.Command, params.Data)
		return map[string]any{"ok": true}, nil
	default:
		return nil, apperrors.InvalidInput("unknown daemon command: " + params.Command)
	}
}

func (s *Service) commandCreateMessage(ctx context.Context, claims *auth.Claims, data map[string]interface{}) (any, error) {
	taskID, _ := data["task_id"].(string)
	content, _ := data["content"].(string)
	role, _ := data["role"].(string)
	if taskID == "" || content == "" {
		return nil, apperrors.InvalidInput("create_message requires task_id and content")
	}
	if role == "" {
		role = string(v1.RoleAssistant)
	}
	msg := &v1.Message{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SessionID: claims.SessionID,
		Role:      v1.MessageRole(role),
		Content:   content,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.publish(ctx, claims.SessionID, events.MessageCreated, map[string]interface{}{
		"message_id": msg.ID,
		"task_id":    taskID,
		"role":       role,
	})
	return msg, nil
}

// HandleRequestPermission blocks the executor's RPC until a human decides
// or the decision window closes.
func (s *Service) HandleRequestPermission(ctx context.Context, claims *auth.Claims, params v1.RequestPermissionParams) (*v1.RequestPermissionResult, error) {
	requestID := uuid.NewString()
	ch := s.broker.Register(claims.SessionID, params.TaskID, requestID)

	s.publish(ctx, claims.SessionID, v1.EventPermissionRequest, map[string]interface{}{
		"requestId": requestID,
		"taskId":    params.TaskID,
		"toolName":  params.ToolName,
		"toolInput": params.ToolParams,
		"timestamp": time.Now().UnixMilli(),
	})

	select {
	case decision := <-ch:
		return &v1.RequestPermissionResult{Approved: decision.Allow, Reason: decision.Reason}, nil
	case <-ctx.Done():
		s.broker.Resolve(requestID, permissions.Decision{Allow: false, Reason: permissions.ReasonCancelled})
		return nil, ctx.Err()
	}
}

func decodeStopAck(data map[string]interface{}) v1.TaskStopAck {
	ack := v1.TaskStopAck{}
	ack.SessionID, _ = data["session_id"].(string)
	ack.TaskID, _ = data["task_id"].(string)
	if seq, ok := data["sequence"].(float64); ok {
		ack.Sequence = int(seq)
	}
	if status, ok := data["status"].(string); ok {
		ack.Status = v1.StopAckStatus(status)
	}
	return ack
}

func decodeExecuteResult(data map[string]interface{}) *v1.ExecutePromptResult {
	out := &v1.ExecutePromptResult{Status: v1.ExecuteStatusFailed}
	raw, err := json.Marshal(data)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, out)
	return out
}

func decodeStopComplete(data map[string]interface{}) v1.TaskStoppedComplete {
	ev := v1.TaskStoppedComplete{}
	ev.SessionID, _ = data["session_id"].(string)
	ev.TaskID, _ = data["task_id"].(string)
	return ev
}
