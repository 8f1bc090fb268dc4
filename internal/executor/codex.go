package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/codex"
)

// CodexAdapter drives the Codex app-server protocol over stdio.
type CodexAdapter struct {
	logger  *logger.Logger
	command []string
}

// NewCodexAdapter builds the adapter with the default npx launch.
func NewCodexAdapter(log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{
		logger:  log.WithFields(zap.String("adapter", "codex")),
		command: []string{"npx", "-y", "@openai/codex", "app-server"},
	}
}

func (a *CodexAdapter) Tool() v1.AgenticTool { return v1.ToolCodex }

// Run starts one thread, runs one turn, and maps deltas onto the uniform
// callbacks. Approval requests block on requestPermission.
func (a *CodexAdapter) Run(ctx context.Context, req RunRequest, cb Callbacks, requestPermission PermissionRequester) (*RunResult, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.command[0], a.command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), "OPENAI_API_KEY="+req.APIKey)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	client := codex.NewClient(stdin, stdout, a.logger)

	messageID := uuid.NewString()
	var (
		result       = &RunResult{}
		content      strings.Builder
		done         = make(chan error, 1)
		streamOpen   bool
		thinkingOpen bool
	)

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		switch method {
		case codex.NotifyItemAgentMessageDelta:
			var delta codex.AgentMessageDeltaParams
			if json.Unmarshal(params, &delta) != nil {
				return
			}
			if thinkingOpen {
				thinkingOpen = false
				cb.thinkingEnd(messageID)
			}
			if !streamOpen {
				streamOpen = true
				cb.streamStart(messageID)
			}
			cb.streamChunk(messageID, delta.Delta)
			content.WriteString(delta.Delta)
		case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
			var delta codex.ReasoningDeltaParams
			if json.Unmarshal(params, &delta) != nil {
				return
			}
			if !thinkingOpen {
				thinkingOpen = true
				cb.thinkingStart(messageID)
			}
			cb.thinkingChunk(messageID, delta.Delta)
		case codex.NotifyItemCompleted:
			result.MessageCount++
		case codex.NotifyTokenCount:
			var count codex.TokenCountParams
			if json.Unmarshal(params, &count) != nil {
				return
			}
			if count.Info != nil && count.Info.TotalTokenUsage != nil {
				usage := count.Info.TotalTokenUsage
				result.TokenUsage = &v1.TokenUsage{
					InputTokens:     int(usage.InputTokens),
					OutputTokens:    int(usage.OutputTokens),
					CacheReadTokens: int(usage.CachedInputTokens),
				}
			}
		case codex.NotifyTurnCompleted:
			var completed codex.TurnCompletedParams
			if json.Unmarshal(params, &completed) != nil {
				return
			}
			if completed.Error != "" {
				done <- fmt.Errorf("codex turn failed: %s", completed.Error)
				return
			}
			done <- nil
		case codex.NotifyError:
			var errParams codex.ErrorParams
			if json.Unmarshal(params, &errParams) != nil {
				return
			}
			done <- fmt.Errorf("codex error: %s", errParams.Message)
		}
	})

	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		switch method {
		case codex.NotifyItemCmdExecRequestApproval:
			var approval codex.CommandApprovalParams
			toolInput := map[string]any{}
			if json.Unmarshal(params, &approval) == nil {
				toolInput["command"] = approval.Command
				toolInput["cwd"] = approval.Cwd
			}
			decision, err := requestPermission(runCtx, "commandExecution", toolInput)
			_ = client.SendResponse(id, codex.CommandApprovalResponse{Decision: approvalDecision(err == nil && decision.Allow)}, nil)
		case codex.NotifyItemFileChangeRequestApproval:
			var approval codex.FileChangeApprovalParams
			toolInput := map[string]any{}
			if json.Unmarshal(params, &approval) == nil {
				toolInput["path"] = approval.Path
				toolInput["diff"] = approval.Diff
			}
			decision, err := requestPermission(runCtx, "fileChange", toolInput)
			_ = client.SendResponse(id, codex.FileChangeApprovalResponse{Decision: approvalDecision(err == nil && decision.Allow)}, nil)
		default:
			_ = client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "unsupported request"})
		}
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}
	client.Start(runCtx)
	defer client.Stop()

	initCtx, cancelInit := context.WithTimeout(runCtx, 30*time.Second)
	defer cancelInit()
	if _, err := client.Call(initCtx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "agor-executor", Version: "1.0"},
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("codex initialize: %w", err)
	}
	_ = client.Notify(codex.MethodInitialized, nil)

	threadResp, err := client.Call(runCtx, codex.MethodThreadStart, codex.ThreadStartParams{
		Cwd:            req.Cwd,
		ApprovalPolicy: "on-request",
		SandboxPolicy:  &codex.SandboxPolicy{Type: "workspace-write"},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("codex thread/start: %w", err)
	}
	var thread codex.ThreadStartResult
	if err := json.Unmarshal(threadResp.Result, &thread); err != nil || thread.Thread == nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("codex thread/start result: %w", err)
	}

	if _, err := client.Call(runCtx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: thread.Thread.ID,
		Input:    []codex.UserInput{{Type: "text", Text: req.Prompt}},
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("codex turn/start: %w", err)
	}

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, runCtx.Err()
	}

	if thinkingOpen {
		cb.thinkingEnd(messageID)
	}
	if streamOpen {
		cb.streamEnd(messageID)
	}

	_ = stdin.Close()
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	if runErr != nil {
		cb.streamError(messageID, runErr)
		return nil, runErr
	}
	result.FinalContent = content.String()
	return result, nil
}

func approvalDecision(allow bool) string {
	if allow {
		return "accept"
	}
	return "decline"
}
