package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/permissions"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

// Options configure one executor process.
type Options struct {
	SocketPath   string
	SessionToken string
	SessionID    string

	// PermissionTimeout bounds how long a tool waits for a human decision.
	PermissionTimeout time.Duration

	// AdapterFor is overridable in tests; nil selects the real adapters.
	AdapterFor func(tool v1.AgenticTool, log *logger.Logger) (ToolAdapter, error)
}

// Runtime is the executor's IPC surface: it owns the Unix socket, accepts
// the daemon's single connection, and runs exactly one prompt at a time.
type Runtime struct {
	opts   Options
	logger *logger.Logger
	server *jsonrpc.Server
	broker *permissions.Manager

	mu        sync.Mutex
	conn      *jsonrpc.Conn
	taskID    string
	running   bool
	cancelRun context.CancelFunc

	eventSeq atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// NewRuntime builds the runtime. Serve must be called to start listening.
func NewRuntime(opts Options, log *logger.Logger) *Runtime {
	if opts.AdapterFor == nil {
		opts.AdapterFor = func(tool v1.AgenticTool, log *logger.Logger) (ToolAdapter, error) {
			return AdapterFor(tool, log)
		}
	}
	return &Runtime{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "executor"), zap.String("session_id", opts.SessionID)),
		broker: permissions.NewManager(opts.PermissionTimeout, log),
		done:   make(chan struct{}),
	}
}

// Done is closed when a shutdown request has been honored.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Serve listens on the socket and blocks until ctx is cancelled or
// shutdown is requested.
func (r *Runtime) Serve(ctx context.Context) error {
	server := jsonrpc.NewServer(r.opts.SocketPath, r.logger)
	server.Handle(v1.MethodPing, r.handlePing)
	server.Handle(v1.MethodExecutePrompt, r.handleExecutePrompt)
	server.Handle(v1.MethodShutdown, r.handleShutdown)
	server.Handle(v1.MethodTaskStop, r.handleTaskStop)
	server.Handle(v1.MethodPermissionResolved, r.handlePermissionResolved)
	server.OnConnect = func(conn *jsonrpc.Conn) {
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.logger.Info("daemon connected")
	}
	r.server = server

	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", r.opts.SocketPath, err)
	}
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	case err := <-serveErr:
		return err
	}
}

func (r *Runtime) daemon() *jsonrpc.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Runtime) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return v1.PingResult{Pong: true, Timestamp: time.Now().UnixMilli()}, nil
}

func (r *Runtime) handleShutdown(_ context.Context, raw json.RawMessage) (any, error) {
	var params v1.ShutdownParams
	_ = json.Unmarshal(raw, &params)

	r.mu.Lock()
	cancel := r.cancelRun
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	grace := time.Duration(params.TimeoutMs) * time.Millisecond
	go func() {
		if grace > 0 {
			time.Sleep(grace)
		}
		r.doneOnce.Do(func() { close(r.done) })
	}()
	return struct{}{}, nil
}

// handleTaskStop validates the stop against the current run, acks
// immediately, then cancels. A stop for a different session or task is
// ignored so a late retry can never kill a successor run.
func (r *Runtime) handleTaskStop(_ context.Context, raw json.RawMessage) (any, error) {
	var params v1.TaskStopParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID != r.opts.SessionID {
		r.logger.Warn("task_stop for foreign session ignored", zap.String("session_id", params.SessionID))
		return nil, nil
	}

	r.mu.Lock()
	current := r.taskID
	running := r.running
	cancel := r.cancelRun
	r.mu.Unlock()

	if params.TaskID != current {
		r.logger.Warn("task_stop for foreign task ignored",
			zap.String("task_id", params.TaskID),
			zap.String("current_task_id", current))
		return nil, nil
	}

	status := v1.StopAckStopping
	if !running {
		status = v1.StopAckAlreadyStopped
	}
	r.reportEvent(params.TaskID, v1.EventTaskStopAck, v1.TaskStopAck{
		SessionID:  params.SessionID,
		TaskID:     params.TaskID,
		Sequence:   params.Sequence,
		ReceivedAt: time.Now().UnixMilli(),
		Status:     status,
	})

	if running && cancel != nil {
		r.broker.CancelTask(params.TaskID)
		cancel()
	}
	if !running {
		// Nothing to unwind; complete right away.
		r.reportEvent(params.TaskID, v1.EventTaskStoppedComplete, v1.TaskStoppedComplete{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			StoppedAt: time.Now().UnixMilli(),
		})
	}
	return nil, nil
}

func (r *Runtime) handlePermissionResolved(_ context.Context, raw json.RawMessage) (any, error) {
	var params v1.PermissionResolvedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	resolved := r.broker.Resolve(params.RequestID, permissions.Decision{
		Allow:     params.Allow,
		Reason:    params.Reason,
		Remember:  params.Remember,
		Scope:     params.Scope,
		DecidedBy: params.DecidedBy,
	})
	if !resolved {
		r.logger.Warn("permission_resolved for unknown request", zap.String("request_id", params.RequestID))
	}
	return nil, nil
}

func (r *Runtime) handleExecutePrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params v1.ExecutePromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return r.executePrompt(ctx, params)
}

func (r *Runtime) executePrompt(ctx context.Context, params v1.ExecutePromptParams) (*v1.ExecutePromptResult, error) {
	if params.SessionID != r.opts.SessionID {
		return nil, fmt.Errorf("execute_prompt for session %s on executor bound to %s", params.SessionID, r.opts.SessionID)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.New("a task is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.taskID = params.TaskID
	r.cancelRun = cancel
	r.mu.Unlock()

	stopped := false
	defer func() {
		r.mu.Lock()
		r.running = false
		r.cancelRun = nil
		r.mu.Unlock()
		cancel()
		if stopped {
			r.reportEvent(params.TaskID, v1.EventTaskStoppedComplete, v1.TaskStoppedComplete{
				SessionID: params.SessionID,
				TaskID:    params.TaskID,
				StoppedAt: time.Now().UnixMilli(),
			})
		}
	}()

	apiKey, err := r.fetchAPIKey(runCtx, params.AgenticTool)
	if err != nil {
		return &v1.ExecutePromptResult{
			Status: v1.ExecuteStatusFailed,
			Error:  &v1.ExecuteError{Message: err.Error(), Code: "credential_unavailable"},
		}, nil
	}

	adapter, err := r.opts.AdapterFor(params.AgenticTool, r.logger)
	if err != nil {
		return &v1.ExecutePromptResult{
			Status: v1.ExecuteStatusFailed,
			Error:  &v1.ExecuteError{Message: err.Error(), Code: "unsupported_tool"},
		}, nil
	}

	result, runErr := adapter.Run(runCtx, RunRequest{
		SessionID:      params.SessionID,
		TaskID:         params.TaskID,
		Prompt:         params.Prompt,
		Cwd:            params.Cwd,
		APIKey:         apiKey,
		PermissionMode: params.PermissionMode,
		Tools:          params.Tools,
		Timeout:        time.Duration(params.TimeoutMs) * time.Millisecond,
	}, r.callbacks(params.TaskID), r.permissionRequester(params.SessionID, params.TaskID))

	if errors.Is(runErr, context.Canceled) {
		stopped = true
		return &v1.ExecutePromptResult{Status: v1.ExecuteStatusCancelled}, nil
	}
	if runErr != nil {
		return &v1.ExecutePromptResult{
			Status: v1.ExecuteStatusFailed,
			Error:  &v1.ExecuteError{Message: runErr.Error(), Code: "run_failed"},
		}, nil
	}

	if result.FinalContent != "" {
		r.daemonCommand(v1.CommandCreateMessage, map[string]any{
			"session_id": params.SessionID,
			"task_id":    params.TaskID,
			"role":       string(v1.RoleAssistant),
			"content":    result.FinalContent,
		})
	}

	return &v1.ExecutePromptResult{
		Status:       v1.ExecuteStatusCompleted,
		MessageCount: result.MessageCount,
		TokenUsage:   result.TokenUsage,
	}, nil
}

// FeathersOptions describe a self-driving run: the prompt arrives in the
// argv and the executor dials the daemon socket instead of owning one.
type FeathersOptions struct {
	DaemonSocket   string
	TaskID         string
	Prompt         string
	Tool           v1.AgenticTool
	PermissionMode string
	Cwd            string
}

// RunFeathers dials the daemon, registers this executor against its
// session, runs the one prompt it was spawned for, and pushes the
// outcome as an execute_result event. It returns a non-nil error when
// the run failed, so the process exits non-zero.
func (r *Runtime) RunFeathers(ctx context.Context, opts FeathersOptions) error {
	conn, err := jsonrpc.Dial(ctx, opts.DaemonSocket, r.logger)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()

	conn.Handle(v1.MethodPing, r.handlePing)
	conn.Handle(v1.MethodShutdown, r.handleShutdown)
	conn.Handle(v1.MethodTaskStop, r.handleTaskStop)
	conn.Handle(v1.MethodPermissionResolved, r.handlePermissionResolved)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	var reg v1.RegisterExecutorResult
	if err := conn.Call(ctx, v1.MethodRegisterExecutor, v1.RegisterExecutorParams{
		SessionToken: r.opts.SessionToken,
		SessionID:    r.opts.SessionID,
		TaskID:       opts.TaskID,
	}, &reg, 0); err != nil {
		return fmt.Errorf("register_executor: %w", err)
	}
	r.logger.Info("registered with daemon", zap.String("executor_id", reg.ExecutorID))

	result, err := r.executePrompt(ctx, v1.ExecutePromptParams{
		SessionID:      r.opts.SessionID,
		TaskID:         opts.TaskID,
		AgenticTool:    opts.Tool,
		Prompt:         opts.Prompt,
		Cwd:            opts.Cwd,
		PermissionMode: opts.PermissionMode,
		Stream:         true,
	})
	if err != nil {
		return err
	}
	r.reportEvent(opts.TaskID, v1.EventExecuteResult, result)

	if result.Status == v1.ExecuteStatusFailed {
		if result.Error != nil {
			return errors.New(result.Error.Message)
		}
		return errors.New("run failed")
	}
	return nil
}

func (r *Runtime) fetchAPIKey(ctx context.Context, tool v1.AgenticTool) (string, error) {
	key := tool.CredentialKey()
	if key == "NONE" {
		return "", nil
	}
	conn := r.daemon()
	if conn == nil {
		return "", errors.New("daemon connection not established")
	}
	var result v1.GetAPIKeyResult
	err := conn.Call(ctx, v1.MethodGetAPIKey, v1.GetAPIKeyParams{
		SessionToken:  r.opts.SessionToken,
		CredentialKey: key,
	}, &result, 0)
	if err != nil {
		return "", fmt.Errorf("get_api_key: %w", err)
	}
	return result.APIKey, nil
}

// callbacks relay the uniform streaming surface to the daemon as
// report_message notifications. Chunks are ephemeral; only the adapter's
// final message is persisted.
func (r *Runtime) callbacks(taskID string) Callbacks {
	stream := func(eventType, messageID, chunk, errText string) {
		r.reportEvent(taskID, eventType, v1.StreamingEvent{
			MessageID: messageID,
			SessionID: r.opts.SessionID,
			TaskID:    taskID,
			Role:      v1.RoleAssistant,
			Chunk:     chunk,
			Error:     errText,
		})
	}
	return Callbacks{
		OnStreamStart: func(id string) { stream(v1.EventStreamingStart, id, "", "") },
		OnStreamChunk: func(id, chunk string) { stream(v1.EventStreamingChunk, id, chunk, "") },
		OnStreamEnd:   func(id string) { stream(v1.EventStreamingEnd, id, "", "") },
		OnStreamError: func(id string, err error) { stream(v1.EventStreamingError, id, "", err.Error()) },

		OnThinkingStart: func(id string) { stream(v1.EventThinkingStart, id, "", "") },
		OnThinkingChunk: func(id, chunk string) { stream(v1.EventThinkingChunk, id, chunk, "") },
		OnThinkingEnd:   func(id string) { stream(v1.EventThinkingEnd, id, "", "") },
	}
}

// permissionRequester forwards the request to the daemon for fan-out and
// blocks on the local broker until permission_resolved or timeout.
func (r *Runtime) permissionRequester(sessionID, taskID string) PermissionRequester {
	return func(ctx context.Context, toolName string, toolInput map[string]any) (permissions.Decision, error) {
		requestID := uuid.NewString()
		ch := r.broker.Register(sessionID, taskID, requestID)

		r.daemonCommand(v1.CommandEmitPermissionEvent, map[string]any{
			"requestId":  requestID,
			"session_id": sessionID,
			"taskId":     taskID,
			"toolName":   toolName,
			"toolInput":  toolInput,
			"timestamp":  time.Now().UnixMilli(),
		})

		select {
		case decision := <-ch:
			return decision, nil
		case <-ctx.Done():
			r.broker.Resolve(requestID, permissions.Decision{Allow: false, Reason: permissions.ReasonCancelled})
			return permissions.Decision{}, ctx.Err()
		}
	}
}

func (r *Runtime) reportEvent(taskID, eventType string, payload any) {
	conn := r.daemon()
	if conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var eventData map[string]interface{}
	if err := json.Unmarshal(data, &eventData); err != nil {
		return
	}
	if err := conn.Notify(v1.MethodReportMessage, v1.ReportMessageParams{
		SessionToken: r.opts.SessionToken,
		TaskID:       taskID,
		Sequence:     int(r.eventSeq.Add(1)),
		Timestamp:    time.Now().UnixMilli(),
		EventType:    eventType,
		EventData:    eventData,
	}); err != nil {
		r.logger.Warn("report_message failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (r *Runtime) daemonCommand(command string, data map[string]any) {
	conn := r.daemon()
	if conn == nil {
		return
	}
	if err := conn.Notify(v1.MethodDaemonCommand, v1.DaemonCommandParams{
		SessionToken: r.opts.SessionToken,
		Command:      command,
		Data:         data,
	}); err != nil {
		r.logger.Warn("daemon_command failed", zap.String("command", command), zap.Error(err))
	}
}
