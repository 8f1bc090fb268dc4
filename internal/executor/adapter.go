// Package executor is the short-lived child process that drives one agent
// run and relays its stream back to the daemon over JSON-RPC.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/permissions"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// Callbacks receive the uniform streaming surface every adapter maps its
// tool's native protocol onto. Nil members are skipped.
type Callbacks struct {
	OnStreamStart func(messageID string)
	OnStreamChunk func(messageID, chunk string)
	OnStreamEnd   func(messageID string)
	OnStreamError func(messageID string, err error)

	OnThinkingStart func(messageID string)
	OnThinkingChunk func(messageID, chunk string)
	OnThinkingEnd   func(messageID string)
}

func (c Callbacks) streamStart(id string) {
	if c.OnStreamStart != nil {
		c.OnStreamStart(id)
	}
}

func (c Callbacks) streamChunk(id, chunk string) {
	if c.OnStreamChunk != nil {
		c.OnStreamChunk(id, chunk)
	}
}

func (c Callbacks) streamEnd(id string) {
	if c.OnStreamEnd != nil {
		c.OnStreamEnd(id)
	}
}

func (c Callbacks) streamError(id string, err error) {
	if c.OnStreamError != nil {
		c.OnStreamError(id, err)
	}
}

func (c Callbacks) thinkingStart(id string) {
	if c.OnThinkingStart != nil {
		c.OnThinkingStart(id)
	}
}

func (c Callbacks) thinkingChunk(id, chunk string) {
	if c.OnThinkingChunk != nil {
		c.OnThinkingChunk(id, chunk)
	}
}

func (c Callbacks) thinkingEnd(id string) {
	if c.OnThinkingEnd != nil {
		c.OnThinkingEnd(id)
	}
}

// PermissionRequester blocks until a human (or the broker's timeout)
// decides whether the tool may run.
type PermissionRequester func(ctx context.Context, toolName string, toolInput map[string]any) (permissions.Decision, error)

// RunRequest is everything an adapter needs for one prompt run.
type RunRequest struct {
	SessionID      string
	TaskID         string
	Prompt         string
	Cwd            string
	APIKey         string
	PermissionMode string
	Tools          []string
	Timeout        time.Duration
}

// RunResult summarizes a finished run.
type RunResult struct {
	MessageCount int
	FinalContent string
	TokenUsage   *v1.TokenUsage
}

// ToolAdapter drives one agent product end to end: spawn, prompt, stream,
// and unwind on context cancellation.
type ToolAdapter interface {
	Tool() v1.AgenticTool
	Run(ctx context.Context, req RunRequest, cb Callbacks, requestPermission PermissionRequester) (*RunResult, error)
}

// AdapterFor returns the adapter for an agentic tool.
func AdapterFor(tool v1.AgenticTool, log *logger.Logger) (ToolAdapter, error) {
	switch tool {
	case v1.ToolClaudeCode:
		return NewClaudeCodeAdapter(log), nil
	case v1.ToolCodex:
		return NewCodexAdapter(log), nil
	case v1.ToolGemini:
		return NewGeminiAdapter(log), nil
	case v1.ToolOpenCode:
		return NewOpenCodeAdapter(log), nil
	}
	return nil, fmt.Errorf("unsupported agentic tool %q", tool)
}
