package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/credentials"
	"github.com/13ty/agor-sub000/internal/db"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/orchestrator/runner"
	"github.com/13ty/agor-sub000/internal/orchestrator/stop"
	"github.com/13ty/agor-sub000/internal/permissions"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/unixenv"
	"github.com/13ty/agor-sub000/internal/worktree"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

const testSecret = "api-test-secret"

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeClient completes every prompt immediately.
type fakeClient struct{}

func (f *fakeClient) Call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	if res, ok := result.(*v1.ExecutePromptResult); ok {
		res.Status = v1.ExecuteStatusCompleted
	}
	return nil
}

func (f *fakeClient) Notify(method string, params any) error { return nil }

type fakeExecutors struct{ client *fakeClient }

func (f *fakeExecutors) Acquire(ctx context.Context, sess *v1.Session) (runner.ExecutorClient, error) {
	return f.client, nil
}

func (f *fakeExecutors) Find(sessionID string) (runner.ExecutorClient, bool) {
	return f.client, true
}

func (f *fakeExecutors) Shutdown(ctx context.Context, sessionID string, grace time.Duration) error {
	return nil
}

type fixture struct {
	router *gin.Engine
	store  session.Store
	issuer *auth.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	store := session.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	authCfg := &config.AuthConfig{Secret: testSecret, AccessTokenTTL: 3600, ServiceTokenTTL: 86400}
	issuer := auth.NewTokenIssuer(authCfg)
	kernel := auth.NewKernel(store, log)

	limits := config.LimitsConfig{
		RPCTimeout:          1,
		SocketWaitTimeout:   1,
		StopAckTimeout:      1,
		StopCompleteTimeout: 1,
		PermissionTimeout:   60,
	}

	execs := &fakeExecutors{client: &fakeClient{}}
	stops := stop.NewController(store, eventBus, execs, limits, log)
	broker := permissions.NewManager(time.Minute, log)
	runnerSvc := runner.NewService(store, execs, stops, broker, eventBus, limits, log)

	execCfg := &config.ExecutionConfig{RunAsUnixUser: false}
	paths := &config.PathsConfig{HomeBase: "/home", DataHome: t.TempDir()}
	noop := command.NewNoOp(log)
	unix := unixenv.NewManager(noop, log)
	worktrees := worktree.NewManager(store, unix, &acceptingRunner{}, execCfg, paths, log)

	pool, err := db.OpenSQLiteFile(t.TempDir() + "/creds.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	keys, err := credentials.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	credStore, err := credentials.NewStore(pool, keys)
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, Deps{
		Store:     store,
		Kernel:    kernel,
		Runner:    runnerSvc,
		Worktrees: worktrees,
		Unix:      unix,
		Creds:     credStore,
		Issuer:    issuer,
		AuthCfg:   authCfg,
		ExecCfg:   execCfg,
		Paths:     paths,
	}, log)

	return &fixture{router: router, store: store, issuer: issuer}
}

// acceptingRunner accepts every command, enough for git provisioning in
// worktree creation paths.
type acceptingRunner struct{}

func (acceptingRunner) Exec(ctx context.Context, cmd command.Command) (*command.Result, error) {
	if cmd.Name == "git" && len(cmd.Args) >= 3 && cmd.Args[2] == "symbolic-ref" {
		return &command.Result{Stdout: "main\n"}, nil
	}
	return &command.Result{}, nil
}

func (r acceptingRunner) ExecAll(ctx context.Context, cmds []command.Command) ([]*command.Result, error) {
	results := make([]*command.Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, _ := r.Exec(ctx, cmd)
		results = append(results, res)
	}
	return results, nil
}

func (r acceptingRunner) ExecWithInput(ctx context.Context, cmd command.Command, input string) (*command.Result, error) {
	return r.Exec(ctx, cmd)
}

func (r acceptingRunner) Check(ctx context.Context, cmd command.Command) bool { return true }

func (f *fixture) seedUser(t *testing.T, id string) string {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateUser(context.Background(), &v1.User{
		ID: id, Name: id, CreatedAt: now, UpdatedAt: now,
	}))
	token, err := f.issuer.IssueUserToken("", id)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) createWorktree(t *testing.T, token string) *v1.Worktree {
	t.Helper()
	repoRec := f.do(t, http.MethodPost, "/api/v1/repos", token, RegisterRepoRequest{
		Slug: "acme", LocalPath: "/srv/repos/acme",
	})
	require.Equal(t, http.StatusCreated, repoRec.Code, repoRec.Body.String())
	repo := decode[*v1.Repo](t, repoRec)

	wtRec := f.do(t, http.MethodPost, "/api/v1/worktrees", token, v1.CreateWorktreeRequest{
		RepoID: repo.ID, Name: "feature-x",
	})
	require.Equal(t, http.StatusCreated, wtRec.Code, wtRec.Body.String())
	return decode[*v1.Worktree](t, wtRec)
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token",
		bytes.NewReader([]byte(`{"user_id":"alice"}`)))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token",
		bytes.NewReader([]byte(`{"user_id":"alice"}`)))
	req.Header.Set("X-Agor-Secret", testSecret)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[TokenResponse](t, rec)
	claims, err := f.issuer.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, auth.RoleUser, claims.Role)
}

func TestCreateAndGetUser(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/v1/users", token, CreateUserRequest{Name: "Bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[*v1.User](t, rec)
	assert.Equal(t, "Bob", created.Name)

	got := f.do(t, http.MethodGet, "/api/v1/users/"+created.ID, token, nil)
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestWorktreeLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")
	wt := f.createWorktree(t, token)

	assert.Equal(t, "feature-x", wt.Name)
	assert.Equal(t, v1.PermissionView, wt.OthersCan)

	list := f.do(t, http.MethodGet, "/api/v1/worktrees", token, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decode[[]*v1.Worktree](t, list), 1)

	owners := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/worktrees/%s/owners", wt.ID), token, nil)
	require.Equal(t, http.StatusOK, owners.Code)
	assert.Contains(t, owners.Body.String(), "alice")
}

func TestNonOwnerCannotPatchWorktree(t *testing.T) {
	f := newFixture(t)
	ownerToken := f.seedUser(t, "alice")
	otherToken := f.seedUser(t, "mallory")
	wt := f.createWorktree(t, ownerToken)

	level := v1.PermissionAll
	rec := f.do(t, http.MethodPatch, "/api/v1/worktrees/"+wt.ID, otherToken, v1.UpdateWorktreeRequest{
		OthersCan: &level,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionPromptRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")
	wt := f.createWorktree(t, token)

	sessRec := f.do(t, http.MethodPost, "/api/v1/sessions", token, v1.CreateSessionRequest{
		WorktreeID: wt.ID, AgenticTool: v1.ToolClaudeCode,
	})
	require.Equal(t, http.StatusCreated, sessRec.Code, sessRec.Body.String())
	sess := decode[*v1.Session](t, sessRec)
	assert.Equal(t, v1.SessionStatusIdle, sess.Status)
	assert.Equal(t, "alice", sess.CreatedBy)

	promptRec := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/prompts", token, v1.CreatePromptRequest{
		Prompt: "add tests",
	})
	require.Equal(t, http.StatusAccepted, promptRec.Code, promptRec.Body.String())
	task := decode[*v1.Task](t, promptRec)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if got.Status == v1.TaskStatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestSessionStatusPatchRejected(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")
	wt := f.createWorktree(t, token)

	sessRec := f.do(t, http.MethodPost, "/api/v1/sessions", token, v1.CreateSessionRequest{
		WorktreeID: wt.ID, AgenticTool: v1.ToolCodex,
	})
	require.Equal(t, http.StatusCreated, sessRec.Code)
	sess := decode[*v1.Session](t, sessRec)

	status := v1.SessionStatusRunning
	rec := f.do(t, http.MethodPatch, "/api/v1/sessions/"+sess.ID, token, v1.UpdateSessionRequest{
		Status: &status,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionImmutableFieldsRejected(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")
	wt := f.createWorktree(t, token)

	sessRec := f.do(t, http.MethodPost, "/api/v1/sessions", token, v1.CreateSessionRequest{
		WorktreeID: wt.ID, AgenticTool: v1.ToolGemini,
	})
	require.Equal(t, http.StatusCreated, sessRec.Code)
	sess := decode[*v1.Session](t, sessRec)

	other := "mallory"
	rec := f.do(t, http.MethodPatch, "/api/v1/sessions/"+sess.ID, token, v1.UpdateSessionRequest{
		CreatedBy: &other,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCredentialsRoundTrip(t *testing.T) {
	f := newFixture(t)
	token := f.seedUser(t, "alice")

	set := f.do(t, http.MethodPut, "/api/v1/credentials/ANTHROPIC_API_KEY", token, SetCredentialRequest{
		Value: "sk-test-123",
	})
	require.Equal(t, http.StatusNoContent, set.Code, set.Body.String())

	list := f.do(t, http.MethodGet, "/api/v1/credentials", token, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "ANTHROPIC_API_KEY")

	del := f.do(t, http.MethodDelete, "/api/v1/credentials/ANTHROPIC_API_KEY", token, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	list = f.do(t, http.MethodGet, "/api/v1/credentials", token, nil)
	assert.NotContains(t, list.Body.String(), "ANTHROPIC_API_KEY")
}
