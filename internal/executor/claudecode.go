package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/claudecode"
)

// ClaudeCodeAdapter drives the Claude Code CLI in stream-json mode over
// stdin/stdout.
type ClaudeCodeAdapter struct {
	logger *logger.Logger
	// command override for tests
	command []string
}

// NewClaudeCodeAdapter builds the adapter with the default npx launch.
func NewClaudeCodeAdapter(log *logger.Logger) *ClaudeCodeAdapter {
	return &ClaudeCodeAdapter{
		logger: log.WithFields(zap.String("adapter", "claude-code")),
		command: []string{
			"npx", "-y", "@anthropic-ai/claude-code",
			"-p", "--output-format=stream-json", "--input-format=stream-json",
			"--permission-prompt-tool=stdio", "--verbose",
			"--include-partial-messages",
		},
	}
}

func (a *ClaudeCodeAdapter) Tool() v1.AgenticTool { return v1.ToolClaudeCode }

// Run spawns the CLI, forwards the prompt, and maps the stream-json
// protocol onto the uniform callbacks. Permission control requests block
// on requestPermission.
func (a *ClaudeCodeAdapter) Run(ctx context.Context, req RunRequest, cb Callbacks, requestPermission PermissionRequester) (*RunResult, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string(nil), a.command...)
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if len(req.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Tools, ","))
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), "ANTHROPIC_API_KEY="+req.APIKey)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	client := claudecode.NewClient(stdin, stdout, a.logger)
	defer client.Stop()

	messageID := uuid.NewString()
	var (
		result       = &RunResult{}
		content      strings.Builder
		runErr       error
		done         = make(chan struct{})
		streamOpen   bool
		thinkingOpen bool
	)

	client.SetRequestHandler(func(requestID string, ctrl *claudecode.ControlRequest) {
		if ctrl.Subtype != claudecode.SubtypeCanUseTool {
			_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
				Type:      claudecode.MessageTypeControlResponse,
				RequestID: requestID,
				Response:  &claudecode.ControlResponse{Subtype: "error", Error: "unsupported control request"},
			})
			return
		}
		decision, err := requestPermission(runCtx, ctrl.ToolName, ctrl.Input)
		behavior := claudecode.BehaviorDeny
		message := decision.Reason
		if err == nil && decision.Allow {
			behavior = claudecode.BehaviorAllow
			message = ""
		}
		_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claudecode.ControlResponse{
				Subtype: "success",
				Result:  &claudecode.PermissionResult{Behavior: behavior, Message: message},
			},
		})
	})

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeAssistant:
			if msg.Message == nil {
				return
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "thinking":
					if !thinkingOpen {
						thinkingOpen = true
						cb.thinkingStart(messageID)
					}
					cb.thinkingChunk(messageID, block.Thinking)
				case "text":
					if thinkingOpen {
						thinkingOpen = false
						cb.thinkingEnd(messageID)
					}
					if !streamOpen {
						streamOpen = true
						cb.streamStart(messageID)
					}
					cb.streamChunk(messageID, block.Text)
					content.WriteString(block.Text)
				}
			}
			if msg.Message.Usage != nil {
				result.TokenUsage = &v1.TokenUsage{
					InputTokens:      int(msg.Message.Usage.InputTokens),
					OutputTokens:     int(msg.Message.Usage.OutputTokens),
					CacheReadTokens:  int(msg.Message.Usage.CacheReadInputTokens),
					CacheWriteTokens: int(msg.Message.Usage.CacheCreationInputTokens),
				}
			}
			result.MessageCount++
		case claudecode.MessageTypeResult:
			if msg.IsError {
				runErr = fmt.Errorf("claude-code failed: %s", msg.GetResultString())
			}
			if usage := tokenUsageFromResult(msg); usage != nil {
				result.TokenUsage = usage
			}
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude-code: %w", err)
	}

	select {
	case <-client.Start(runCtx):
	case <-runCtx.Done():
		_ = cmd.Process.Kill()
		return nil, runCtx.Err()
	}

	if err := client.SendUserMessage(req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-done:
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
	if err := cmd.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("claude-code exited: %w", err)
	}
	if runErr != nil {
		cb.streamError(messageID, runErr)
		return nil, runErr
	}

	result.FinalContent = content.String()
	return result, nil
}

func tokenUsageFromResult(msg *claudecode.CLIMessage) *v1.TokenUsage {
	if msg.TotalInputTokens == 0 && msg.TotalOutputTokens == 0 {
		return nil
	}
	return &v1.TokenUsage{
		InputTokens:  int(msg.TotalInputTokens),
		OutputTokens: int(msg.TotalOutputTokens),
	}
}
