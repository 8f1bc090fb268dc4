package opencode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// EventHandler receives every SSE event for the watched session.
type EventHandler func(event *SDKEventEnvelope)

// Client talks to one OpenCode server. All calls carry basic auth and
// the working directory the server should operate in.
type Client struct {
	baseURL   string
	directory string
	password  string
	logger    *logger.Logger

	// Short-lived calls share one client; prompts get their own with a
	// long timeout, and the SSE stream runs without one.
	http   *http.Client
	prompt *http.Client

	mu        sync.Mutex
	handler   EventHandler
	sseCancel context.CancelFunc
	closed    bool
}

// NewClient builds a client for the server at baseURL.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		logger:    log.WithFields(zap.String("component", "opencode-client")),
		http:      &http.Client{Timeout: 30 * time.Second},
		prompt:    &http.Client{Timeout: 60 * time.Minute},
	}
}

// GenerateServerPassword returns a random password for a locally spawned
// server.
func GenerateServerPassword() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// SetEventHandler installs the SSE handler. Set before StartEventStream.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Close tears down the SSE stream. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	url := c.baseURL + path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	url += sep + "directory=" + c.directory

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// WaitForHealth polls GET /global/health until the server reports healthy.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = c.checkHealth(ctx)
		if lastErr == nil {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	return fmt.Errorf("health check timeout: %w", lastErr)
}

func (c *Client) checkHealth(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check HTTP %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("parse health response: %w", err)
	}
	if !health.Healthy {
		return fmt.Errorf("server unhealthy (version %s)", health.Version)
	}
	return nil
}

// CreateSession opens a server session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/session", []byte("{}"))
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session: HTTP %d: %s", resp.StatusCode, body)
	}
	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt posts the prompt and blocks until the server finishes
// handling it. The SSE stream carries the output in the meantime.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec, agent, variant string) error {
	payload, err := json.Marshal(PromptRequest{
		Model:   model,
		Agent:   agent,
		Variant: variant,
		Parts:   []TextPartInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", payload)
	if err != nil {
		return err
	}
	resp, err := c.prompt.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, body)
	}

	// Success is {info, parts}; errors come back 200 with {name, data}.
	var parsed struct {
		Info json.RawMessage `json:"info"`
		Name string          `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}
	if parsed.Name != "" {
		msg := parsed.Data.Message
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("prompt error: %s: %s", parsed.Name, msg)
	}
	return nil
}

// Abort asks the server to stop the running operation. Best effort.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	req, err := c.newRequest(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ReplyPermission answers a permission.asked event.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	body := PermissionReplyRequest{Reply: reply}
	if message != nil {
		body.Message = *message
	} else if reply == PermissionReplyReject {
		body.Message = "User denied this tool use request"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/permission/"+requestID+"/reply", payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("permission reply: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StartEventStream connects to GET /event and dispatches events for
// sessionID to the handler. A second call while connected is a no-op.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseCancel != nil {
		c.mu.Unlock()
		return nil
	}
	sseCtx, cancel := context.WithCancel(ctx)
	c.sseCancel = cancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseCancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	req, err := c.newRequest(sseCtx, http.MethodGet, "/event", nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream: HTTP %d: %s", resp.StatusCode, body))
	}

	go c.consumeEvents(sseCtx, sessionID, resp.Body)
	return nil
}

func (c *Client) consumeEvents(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseCancel = nil
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		payload := strings.TrimSpace(data.String())
		data.Reset()

		var event SDKEventEnvelope
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Warn("drop undecodable event", zap.Error(err))
			continue
		}
		if !eventBelongsTo(&event, sessionID) {
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(&event)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream read failed", zap.Error(err))
	}
}

// eventBelongsTo filters the shared event feed down to one session.
// Events without a recognizable session id pass through.
func eventBelongsTo(event *SDKEventEnvelope, sessionID string) bool {
	if len(event.Properties) == 0 {
		return true
	}
	var ref struct {
		SessionID string `json:"sessionID"`
		Info      struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(event.Properties, &ref); err != nil {
		return true
	}

	for _, id := range []string{ref.SessionID, ref.Info.SessionID, ref.Part.SessionID} {
		if id != "" {
			return id == sessionID
		}
	}
	return true
}
