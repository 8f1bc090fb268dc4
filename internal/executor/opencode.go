package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/opencode"
)

// OpenCodeAdapter runs prompts against an OpenCode server over HTTP. The
// server URL comes from OPENCODE_SERVER_URL; when unset the adapter spawns
// a local `opencode serve` for the lifetime of the run.
type OpenCodeAdapter struct {
	logger  *logger.Logger
	command []string
}

// NewOpenCodeAdapter builds the adapter with the default npx launch.
func NewOpenCodeAdapter(log *logger.Logger) *OpenCodeAdapter {
	return &OpenCodeAdapter{
		logger:  log.WithFields(zap.String("adapter", "opencode")),
		command: []string{"npx", "-y", "opencode-ai", "serve", "--hostname", "127.0.0.1", "--port", "4096"},
	}
}

func (a *OpenCodeAdapter) Tool() v1.AgenticTool { return v1.ToolOpenCode }

// Run creates an OpenCode session, sends the prompt, and relays the SSE
// event stream onto the uniform callbacks until the session goes idle.
func (a *OpenCodeAdapter) Run(ctx context.Context, req RunRequest, cb Callbacks, requestPermission PermissionRequester) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	baseURL := os.Getenv("OPENCODE_SERVER_URL")
	password := ""
	var server *exec.Cmd
	if baseURL == "" {
		baseURL = "http://127.0.0.1:4096"
		password = opencode.GenerateServerPassword()
		server = exec.CommandContext(runCtx, a.command[0], a.command[1:]...)
		server.Dir = req.Cwd
		server.Env = append(os.Environ(),
			"OPENCODE_SERVER_PASSWORD="+password,
			`OPENCODE_PERMISSION={"edit":"ask","bash":"ask","webfetch":"ask"}`)
		server.Stderr = os.Stderr
		if err := server.Start(); err != nil {
			return nil, fmt.Errorf("start opencode server: %w", err)
		}
		defer func() {
			_ = server.Process.Kill()
			_ = server.Wait()
		}()
	}

	client := opencode.NewClient(baseURL, req.Cwd, password, a.logger)
	defer client.Close()

	if err := client.WaitForHealth(runCtx); err != nil {
		return nil, fmt.Errorf("opencode health: %w", err)
	}

	sessionID, err := client.CreateSession(runCtx)
	if err != nil {
		return nil, fmt.Errorf("opencode session: %w", err)
	}

	messageID := uuid.NewString()
	var (
		result       = &RunResult{}
		content      strings.Builder
		done         = make(chan error, 1)
		streamOpen   bool
		thinkingOpen bool
		lastSeen     = map[string]int{}
	)

	client.SetEventHandler(func(event *opencode.SDKEventEnvelope) {
		switch event.Type {
		case opencode.SDKEventMessagePartUpdated:
			var props opencode.MessagePartUpdatedProperties
			if json.Unmarshal(event.Properties, &props) != nil {
				return
			}
			delta := props.Delta
			if delta == "" {
				// Parts arrive as cumulative text; emit only the suffix.
				seen := lastSeen[props.Part.ID]
				if len(props.Part.Text) <= seen {
					return
				}
				delta = props.Part.Text[seen:]
			}
			lastSeen[props.Part.ID] = len(props.Part.Text)
			switch props.Part.Type {
			case opencode.PartTypeReasoning:
				if !thinkingOpen {
					thinkingOpen = true
					cb.thinkingStart(messageID)
				}
				cb.thinkingChunk(messageID, delta)
			case opencode.PartTypeText:
				if thinkingOpen {
					thinkingOpen = false
					cb.thinkingEnd(messageID)
				}
				if !streamOpen {
					streamOpen = true
					cb.streamStart(messageID)
				}
				cb.streamChunk(messageID, delta)
				content.WriteString(delta)
			}
		case opencode.SDKEventMessageUpdated:
			var props opencode.MessageUpdatedProperties
			if json.Unmarshal(event.Properties, &props) != nil {
				return
			}
			if props.Info.Role == "assistant" {
				result.MessageCount++
				if props.Info.Tokens != nil {
					usage := &v1.TokenUsage{
						InputTokens:  props.Info.Tokens.Input,
						OutputTokens: props.Info.Tokens.Output,
					}
					if props.Info.Tokens.Cache != nil {
						usage.CacheReadTokens = props.Info.Tokens.Cache.Read
					}
					result.TokenUsage = usage
				}
			}
		case opencode.SDKEventPermissionAsked:
			var props opencode.PermissionAskedProperties
			if json.Unmarshal(event.Properties, &props) != nil {
				return
			}
			go func() {
				toolInput := map[string]any{"permission": props.Permission}
				for k, v := range props.Metadata {
					toolInput[k] = v
				}
				decision, err := requestPermission(runCtx, props.Permission, toolInput)
				reply := opencode.PermissionReplyReject
				if err == nil && decision.Allow {
					reply = opencode.PermissionReplyOnce
				}
				var message *string
				if decision.Reason != "" {
					message = &decision.Reason
				}
				if err := client.ReplyPermission(runCtx, props.ID, reply, message); err != nil {
					a.logger.Warn("permission reply failed", zap.Error(err))
				}
			}()
		case opencode.SDKEventSessionError:
			var props opencode.SessionErrorProperties
			if json.Unmarshal(event.Properties, &props) != nil {
				return
			}
			msg := "session error"
			if props.Error != nil {
				msg = props.Error.GetMessage()
			}
			select {
			case done <- fmt.Errorf("opencode: %s", msg):
			default:
			}
		case opencode.SDKEventSessionIdle:
			select {
			case done <- nil:
			default:
			}
		}
	})

	if err := client.StartEventStream(runCtx, sessionID); err != nil {
		return nil, fmt.Errorf("opencode event stream: %w", err)
	}

	if err := client.SendPrompt(runCtx, sessionID, req.Prompt, nil, "", ""); err != nil {
		return nil, fmt.Errorf("opencode prompt: %w", err)
	}

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		_ = client.Abort(context.Background(), sessionID)
		return nil, runCtx.Err()
	}

	if thinkingOpen {
		cb.thinkingEnd(messageID)
	}
	if streamOpen {
		cb.streamEnd(messageID)
	}
	if runErr != nil {
		cb.streamError(messageID, runErr)
		return nil, runErr
	}

	result.FinalContent = content.String()
	return result, nil
}
