package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stake-plus/agentexec/src/agents"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	sharedconfig "github.com/stake-plus/agentexec/src/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type echo struct{}

func (echo) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if args == nil {
		<-ctx.Done()
		return agentcore.Result{}
	}
	return agentcore.Result{"echo": args["msg"]}
}

func newTestAPI(t *testing.T) (*gin.Engine, *agents.Runtime) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	path := filepath.Join(dir, "agent_registry_EXEC.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ops": [
  {"name": "echo", "status": "active", "module": "agents.test.echo", "class": "Echo", "interface": "service"}
]}`), 0o644))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := sharedconfig.ExecConfig{
		RegistryPath:  path,
		WorkspaceRoot: filepath.Join(dir, "ws"),
		StopTimeout:   time.Second,
		BusBuffer:     64,
		API: sharedconfig.APIConfig{
			JWTSecret:     testSecret,
			AdminPassHash: string(hash),
			RatePerMinute: 1000,
		},
	}
	factories := agentcore.NewFactories()
	factories.Register("agents.test.echo", "Echo", func() (agentcore.Agent, error) { return echo{}, nil })

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := agents.StartAll(ctx, cfg, agents.Options{
		Factories: factories,
		Settings:  func(string) string { return "" },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.Shutdown()
		cancel()
	})

	r, err := New(ctx, cfg.API, rt)
	require.NoError(t, err)
	return r, rt
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func login(t *testing.T, r http.Handler) string {
	t.Helper()
	w := do(r, http.MethodPost, "/v1/auth/token", "", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(context.Background(), sharedconfig.APIConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestHealthzIsPublic(t *testing.T) {
	r, _ := newTestAPI(t)
	w := do(r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["started"])
}

func TestAuth(t *testing.T) {
	r, _ := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/agents", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/agents", "garbage", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(r, http.MethodPost, "/v1/auth/token", "", map[string]string{"password": "wrong"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/auth/token", "", map[string]string{}).Code)

	expired, err := issueJWT("admin", []byte(testSecret), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/agents", expired, nil).Code)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/agents", other, nil).Code, "only HS256 is accepted")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/agents", login(t, r), nil).Code)
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/token", NewAuth("", []byte(testSecret)).Token)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/token", "", map[string]string{"password": "x"}).Code)
}

func TestAgentEndpoints(t *testing.T) {
	r, _ := newTestAPI(t)
	token := login(t, r)

	w := do(r, http.MethodGet, "/v1/agents", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list, _ := decode(t, w)["agents"].([]any)
	require.Len(t, list, 1)
	first, _ := list[0].(map[string]any)
	assert.Equal(t, "echo", first["name"])
	assert.Equal(t, "poller", first["kind"])
	assert.Equal(t, true, first["alive"])

	w = do(r, http.MethodGet, "/v1/agents/ECHO", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	diag, _ := decode(t, w)["diagnostics"].(map[string]any)
	assert.Equal(t, true, diag["heartbeat"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/agents/ghost", token, nil).Code)

	w = do(r, http.MethodPost, "/v1/agents/echo/run", token, map[string]string{"msg": "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res, _ := decode(t, w)["result"].(map[string]any)
	assert.Equal(t, "hi", res["echo"])

	w = do(r, http.MethodPost, "/v1/agents/echo/stop", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["result"])

	w = do(r, http.MethodPost, "/v1/agents/echo/start", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["started"])

	w = do(r, http.MethodPost, "/v1/agents/echo/restart", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["result"])
}

func TestEmitAndBusStats(t *testing.T) {
	r, _ := newTestAPI(t)
	token := login(t, r)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/events", token, map[string]any{}).Code)

	w := do(r, http.MethodPost, "/v1/events", token, map[string]any{"type": "ops.note", "data": map[string]any{"k": "v"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ev, _ := decode(t, w)["event"].(map[string]any)
	assert.Equal(t, "ops.note", ev["type"])
	assert.Equal(t, "api:admin", ev["source_agent"])
	assert.NotEmpty(t, ev["id"])

	w = do(r, http.MethodGet, "/v1/bus", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats, _ := decode(t, w)["stats"].(map[string]any)
	assert.GreaterOrEqual(t, stats["published"], float64(2), "runtime.started plus ops.note")
}

func TestRegistryEndpoints(t *testing.T) {
	r, rt := newTestAPI(t)
	token := login(t, r)

	w := do(r, http.MethodGet, "/v1/registry", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "categories", body["shape"])
	version, _ := body["version"].(string)
	require.NotEmpty(t, version)

	descriptor := map[string]any{
		"name":      "echo2",
		"category":  "ops",
		"status":    "active",
		"module":    "agents.test.echo",
		"class":     "Echo",
		"interface": "cli",
		"desc":      "<script>alert(1)</script><b>second</b> echo",
	}

	stale := map[string]any{"if_version": "1"}
	for k, v := range descriptor {
		stale[k] = v
	}
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPut, "/v1/registry/agents", token, stale).Code)

	unsafe := map[string]any{"name": "x", "category": "ops", "module": "os.system", "class": "X"}
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPut, "/v1/registry/agents", token, unsafe).Code)

	descriptor["if_version"] = version
	w = do(r, http.MethodPut, "/v1/registry/agents", token, descriptor)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	desc, _ := body["descriptor"].(map[string]any)
	assert.Equal(t, "second echo", desc["desc"])
	assert.NotEqual(t, version, body["version"])
	assert.Equal(t, []any{"echo2"}, body["added"])

	_, err := rt.Manager.Agent("echo2")
	assert.NoError(t, err)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Minute)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", RateLimitMiddleware(NewRateLimiter(ctx, 1, time.Minute)), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/", "", nil).Code)
}
