package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/cache"
	"github.com/contentforge/orchestrator/internal/health"
	"github.com/contentforge/orchestrator/internal/item"
	"github.com/contentforge/orchestrator/internal/pipeline"
	"github.com/contentforge/orchestrator/internal/retry"
	"github.com/contentforge/orchestrator/internal/server/ratelimit"
	"github.com/contentforge/orchestrator/internal/store"
)

const testPassword = "correct-horse-battery"

type stubHealth struct{}

func (stubHealth) Status(string) retry.Status { return retry.StatusHealthy }

type stubGenerator struct{}

func (stubGenerator) GenerateBlueprint(_ context.Context, topic string) (string, error) {
	return "blueprint for " + topic, nil
}

func (stubGenerator) GenerateCaption(context.Context, string) (pipeline.Caption, error) {
	return pipeline.Caption{Text: "caption", Hashtags: []string{"#go"}}, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(context.Context, string) (string, error) {
	return "media/clip.mp4", nil
}

type stubPublisher struct{ name string }

func (p stubPublisher) Name() string { return p.name }

func (p stubPublisher) Publish(context.Context, pipeline.Post) (string, error) {
	return p.name + "-post-1", nil
}

type stubAnalytics struct{}

func (stubAnalytics) Fetch(_ context.Context, postIDs map[string]string) (map[string]int64, error) {
	views := make(map[string]int64, len(postIDs))
	for platform := range postIDs {
		views[platform] = 100
	}
	return views, nil
}

type testEnv struct {
	server  *Server
	machine *pipeline.Machine
	monitor *health.Monitor
	bus     *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	t.Setenv("OPERATOR_PASSWORD_HASH", string(hash))
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	b := bus.New()
	t.Cleanup(b.Close)

	machine := pipeline.NewMachine(
		store.NewMemory(), b, cache.New(0),
		retry.New(stubHealth{}, nil),
		pipeline.Collaborators{
			Generator:     stubGenerator{},
			Renderer:      stubRenderer{},
			Publishers:    []pipeline.Publisher{stubPublisher{name: "youtube"}},
			Analytics:     stubAnalytics{},
			Planner:       pipeline.PlanFunc(func(now time.Time) time.Time { return now }),
			GeneratorName: "gemini",
			RendererName:  "render",
		},
		pipeline.DefaultConfig(), nil)

	monitor := health.NewMonitor(health.DefaultConfig(), b, nil)

	srv, err := New(Config{Addr: "localhost:0"},
		Deps{Machine: machine, Monitor: monitor, Bus: b},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)

	return &testEnv{server: srv, machine: machine, monitor: monitor, bus: b}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decodeItem(t *testing.T, rec *httptest.ResponseRecorder) itemResponse {
	t.Helper()
	var resp itemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ContentItem)
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	token := env.token(t)
	claims, err := env.server.jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)

	rec := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateItemRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/items", "", map[string]string{"topic": "Go generics"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/items", "not-a-jwt", map[string]string{"topic": "Go generics"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetItem(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/items", token,
		map[string]string{"topic": "Go generics deep dive", "seed": "v1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeItem(t, rec)
	assert.Equal(t, item.StageDiscovered, created.Stage)
	assert.Equal(t, 1, created.Version)

	rec = env.do(t, http.MethodGet, "/api/items/"+created.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeItem(t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, item.StageDiscovered.Progress(), got.Progress)
}

func TestCreateItemValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/items", token, map[string]string{"topic": "ab"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetItemErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/items/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/items/6a8fcd1c-0000-4000-8000-000000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprove(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	ctx := context.Background()

	created, err := env.machine.Enqueue(ctx, "approval flow", "seed")
	require.NoError(t, err)

	// Not at the gate yet.
	rec := env.do(t, http.MethodPost, "/api/items/"+created.ID.String()+"/approve", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = env.machine.Advance(ctx, created.ID)
	require.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/api/items/"+created.ID.String()+"/approve", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeItem(t, rec)
	assert.Equal(t, item.StageApproved, approved.Stage)
	assert.NotNil(t, approved.ApprovedAt)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	ctx := context.Background()

	created, err := env.machine.Enqueue(ctx, "cancel flow", "seed")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/items/"+created.ID.String()+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeItem(t, rec)
	assert.Equal(t, item.StageCancelled, cancelled.Stage)

	// Terminal items cannot be cancelled again.
	rec = env.do(t, http.MethodPost, "/api/items/"+created.ID.String()+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	ctx := context.Background()

	created, err := env.machine.Enqueue(ctx, "retry flow", "seed")
	require.NoError(t, err)
	path := "/api/items/" + created.ID.String() + "/retry"

	// Unknown stage name.
	rec := env.do(t, http.MethodPost, path, token, map[string]string{"stage": "Bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Item has not failed.
	rec = env.do(t, http.MethodPost, path, token, map[string]string{"stage": string(item.StageDiscovered)})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDependenciesSnapshot(t *testing.T) {
	env := newTestEnv(t)

	env.monitor.Register("gemini", health.ProbeFunc(func(context.Context) error { return nil }))
	env.monitor.ProbeNow(context.Background(), "gemini")

	rec := env.do(t, http.MethodGet, "/api/health/dependencies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]health.DependencyHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Contains(t, snapshot, "gemini")
	assert.Equal(t, retry.StatusHealthy, snapshot["gemini"].Status)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered once the handler runs; keep
	// publishing until the first frame comes back.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				env.bus.Publish(bus.Event{
					Topic:    bus.TopicItemTransitioned,
					NewStage: item.StageDiscovered,
				})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, "event: "+bus.TopicItemTransitioned, eventLine)
	var ev bus.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, bus.TopicItemTransitioned, ev.Topic)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestRateLimitOnTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Setenv("RATE_LIMIT_ENABLED", "true")
	env.server.rateLimiter.Stop()
	env.server.rateLimiter = ratelimit.NewLimiter(ratelimit.LoadConfig())
	t.Cleanup(env.server.rateLimiter.Stop)

	// The token endpoint allows a burst of 3; the fourth attempt is
	// rejected regardless of the password.
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"password": "wrong"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"busy", pipeline.ErrItemBusy, http.StatusConflict},
		{"version conflict", store.ErrVersionConflict, http.StatusConflict},
		{"terminal", &pipeline.ErrTerminalStage{Stage: item.StageCancelled}, http.StatusConflict},
		{"not awaiting approval", &pipeline.ErrNotAwaitingApproval{Stage: item.StageDiscovered}, http.StatusConflict},
		{"not failed", &pipeline.ErrNotFailed{Stage: item.StagePublished}, http.StatusConflict},
		{"bad retry stage", &pipeline.ErrBadRetryStage{Stage: "Bogus"}, http.StatusBadRequest},
		{"validation", &ErrValidation{Field: "topic", Message: "required"}, http.StatusBadRequest},
		{"bad credentials", &ErrInvalidCredentials{}, http.StatusUnauthorized},
		{"wrapped not found", fmt.Errorf("loading item: %w", store.ErrNotFound), http.StatusNotFound},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
