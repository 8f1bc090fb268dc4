package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// GeminiAdapter drives the Gemini CLI in non-interactive prompt mode and
// streams its stdout line by line. Non-interactive runs auto-approve tool
// use inside the CLI, so no permission requests flow from this adapter.
type GeminiAdapter struct {
	logger  *logger.Logger
	command []string
}

// NewGeminiAdapter builds the adapter with the default npx launch.
func NewGeminiAdapter(log *logger.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		logger:  log.WithFields(zap.String("adapter", "gemini")),
		command: []string{"npx", "-y", "@google/gemini-cli", "--approval-mode", "auto_edit"},
	}
}

func (a *GeminiAdapter) Tool() v1.AgenticTool { return v1.ToolGemini }

// Run executes one prompt and relays stdout as stream chunks.
func (a *GeminiAdapter) Run(ctx context.Context, req RunRequest, cb Callbacks, _ PermissionRequester) (*RunResult, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), a.command...), "--prompt", req.Prompt)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), "GEMINI_API_KEY="+req.APIKey)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gemini: %w", err)
	}

	messageID := uuid.NewString()
	cb.streamStart(messageID)

	var content strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		cb.streamChunk(messageID, line)
		content.WriteString(line)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}
	if waitErr != nil {
		err := fmt.Errorf("gemini exited: %w", waitErr)
		cb.streamError(messageID, err)
		return nil, err
	}
	if scanErr != nil {
		cb.streamError(messageID, scanErr)
		return nil, fmt.Errorf("read gemini output: %w", scanErr)
	}

	cb.streamEnd(messageID)
	return &RunResult{
		MessageCount: 1,
		FinalContent: strings.TrimRight(content.String(), "\n"),
	}, nil
}
