package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"contractai-go/internal/config"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/events"
	"contractai-go/internal/provider"
	"contractai-go/internal/runtime"
	"contractai-go/internal/upstream"
	"contractai-go/internal/usage"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	model  string
	chunks []string
	err    error
	attr   *upstream.Attribution
}

func (s *stubClient) Backend() string                    { return upstream.BackendStudio }
func (s *stubClient) Model() string                      { return s.model }
func (s *stubClient) Attribution() *upstream.Attribution { return s.attr }
func (s *stubClient) Close() error                       { return nil }

func (s *stubClient) Generate(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	text := "echo: " + req.Messages[0].Parts[0].Text
	raw, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}}},
	})
	return upstream.NewResponse(s.model, raw, nil), nil
}

func (s *stubClient) GenerateStream(context.Context, *upstream.Request) iter.Seq2[*upstream.Chunk, error] {
	return func(yield func(*upstream.Chunk, error) bool) {
		for _, t := range s.chunks {
			if !yield(&upstream.Chunk{Text: t}, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

type stubProviders struct {
	mu          sync.Mutex
	client      *stubClient
	resolveErr  error
	cleared     int
	searches    []provider.FileSearchRequest
	lastClient  string
	lastConsult string
	dryRuns     int
}

func (p *stubProviders) DryRun(ctx context.Context, clientID, consultantID string) (*provider.Result, error) {
	p.mu.Lock()
	p.dryRuns++
	p.mu.Unlock()
	return p.Resolve(ctx, clientID, consultantID)
}

func (p *stubProviders) Resolve(_ context.Context, clientID, consultantID string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastClient, p.lastConsult = clientID, consultantID
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	return &provider.Result{
		Client:    p.client,
		Source:    provider.SourceClientOwned,
		KeySource: provider.KeySourceUser,
		Metadata:  provider.Metadata{SettingsID: "own", Location: "us-central1"},
	}, nil
}

func (p *stubProviders) FileSearch(_ context.Context, req provider.FileSearchRequest) (*provider.FileSearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searches = append(p.searches, req)
	return &provider.FileSearchResult{Text: "found", Source: provider.SourceFallbackPool, KeySource: provider.KeySourceSuperadmin, Model: "m"}, nil
}

func (p *stubProviders) ClearCaches() {
	p.mu.Lock()
	p.cleared++
	p.mu.Unlock()
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newTestEngine(t *testing.T, mutate func(*Dependencies)) (*gin.Engine, *stubProviders) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Server.Debug = true
	cfg.Server.ManagementKey = "mgmt"
	cfg.Server.RateLimitRPS = 0
	p := &stubProviders{client: &stubClient{model: "gemini-default", chunks: []string{"Hel", "lo"}, attr: upstream.NewAttribution(upstream.BackendStudio, nil)}}
	deps := Dependencies{
		Providers: p,
		Store:     stubPinger{},
		Usage:     usage.NewTracker(8),
		Config:    func() *config.Config { return cfg },
	}
	if mutate != nil {
		mutate(&deps)
	}
	return BuildEngine(deps), p
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGenerateEndpoint(t *testing.T) {
	e, p := newTestEngine(t, nil)
	w := doJSON(t, e, http.MethodPost, "/v1/generate", map[string]any{
		"clientId":     "C",
		"consultantId": "V",
		"prompt":       "hello",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "echo: hello", body["text"])
	assert.Equal(t, provider.SourceClientOwned, body["source"])
	assert.Equal(t, provider.KeySourceUser, body["keySource"])
	assert.Equal(t, "V", p.lastConsult)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGenerateEndpointErrors(t *testing.T) {
	e, p := newTestEngine(t, nil)

	w := doJSON(t, e, http.MethodPost, "/v1/generate", map[string]any{"prompt": "hi"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_json")

	p.resolveErr = &apperrors.TerminalConfigurationError{Message: "no AI provider available for client C: add API keys"}
	w = doJSON(t, e, http.MethodPost, "/v1/generate", map[string]any{"clientId": "C", "prompt": "hi"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "provider_not_configured", errBody["code"])
	assert.Contains(t, errBody["message"], "add API keys")

	p.resolveErr = nil
	p.client.err = &apperrors.ExtractionError{Dump: "keys=[]"}
	w = doJSON(t, e, http.MethodPost, "/v1/generate", map[string]any{"clientId": "C", "prompt": "hi"}, nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "keys=[]")
}

func TestFileSearchEndpoint(t *testing.T) {
	e, p := newTestEngine(t, nil)
	w := doJSON(t, e, http.MethodPost, "/v1/file-search", map[string]any{
		"query":      "notice period",
		"storeNames": []string{"fileSearchStores/a"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "found", decode(t, w)["text"])
	require.Len(t, p.searches, 1)
	require.Equal(t, []string{"fileSearchStores/a"}, p.searches[0].StoreNames)
}

func TestResolveDiagnostic(t *testing.T) {
	e, p := newTestEngine(t, nil)
	w := doJSON(t, e, http.MethodGet, "/v1/providers/resolve?clientId=C&consultantId=V", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, p.dryRuns)
	body := decode(t, w)
	assert.Equal(t, provider.SourceClientOwned, body["source"])
	assert.Equal(t, "gemini-default", body["model"])
	assert.Equal(t, "own", body["metadata"].(map[string]any)["settings_id"])

	w = doJSON(t, e, http.MethodGet, "/v1/providers/resolve", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	hub := events.NewHub()
	var published []events.Event
	hub.Subscribe(events.TopicCachesCleared, func(_ context.Context, ev events.Event) { published = append(published, ev) })
	journal := events.NewJournal(10)
	journal.Follow(hub, events.TopicCachesCleared)
	e, p := newTestEngine(t, func(d *Dependencies) {
		d.Events = hub
		d.Journal = journal
	})

	require.Equal(t, http.StatusUnauthorized, doJSON(t, e, http.MethodPost, "/admin/caches/clear", nil, nil).Code)
	require.Zero(t, p.cleared)

	auth := map[string]string{"Authorization": "Bearer mgmt"}
	w := doJSON(t, e, http.MethodPost, "/admin/caches/clear", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, p.cleared)
	require.Len(t, published, 1)
	require.NotEmpty(t, published[0].Metadata["request_id"])

	w = doJSON(t, e, http.MethodGet, "/admin/usage", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, decode(t, w), "total")

	w = doJSON(t, e, http.MethodGet, "/admin/events?limit=5", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode(t, w)["events"].([]any)
	require.Len(t, listed, 1)
	require.Equal(t, events.TopicCachesCleared, listed[0].(map[string]any)["topic"])
}

func TestEventsRouteWithoutJournal(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	w := doJSON(t, e, http.MethodGet, "/admin/events", nil, map[string]string{"Authorization": "Bearer mgmt"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodGet, "/healthz", nil, nil).Code)

	e, _ = newTestEngine(t, func(d *Dependencies) { d.Store = stubPinger{err: errors.New("db down")} })
	w := doJSON(t, e, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "degraded", decode(t, w)["status"])

	e, _ = newTestEngine(t, func(d *Dependencies) {
		d.Tasks = func() []runtime.TaskInfo {
			return []runtime.TaskInfo{{Name: "key-pool-warm", Status: runtime.TaskStatusRunning, Runs: 2}}
		}
	})
	w = doJSON(t, e, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	tasks := decode(t, w)["tasks"].([]any)
	require.Len(t, tasks, 1)
	require.Equal(t, "key-pool-warm", tasks[0].(map[string]any)["name"])
}

func dialStream(t *testing.T, e *gin.Engine) *ws.Conn {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrames(t *testing.T, conn *ws.Conn) []streamFrame {
	t.Helper()
	var frames []streamFrame
	for {
		var f streamFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type != "chunk" {
			return frames
		}
	}
}

func TestStreamWebSocket(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	conn := dialStream(t, e)
	require.NoError(t, conn.WriteJSON(map[string]any{"clientId": "C", "prompt": "hi", "feature": "draft"}))

	frames := readFrames(t, conn)
	require.Len(t, frames, 3)
	assert.Equal(t, "Hel", frames[0].Text)
	assert.Equal(t, "lo", frames[1].Text)
	assert.Equal(t, "done", frames[2].Type)
	assert.Equal(t, provider.SourceClientOwned, frames[2].Source)
}

func TestStreamWebSocketErrors(t *testing.T) {
	e, p := newTestEngine(t, nil)

	conn := dialStream(t, e)
	require.NoError(t, conn.WriteJSON(map[string]any{"clientId": "C"}))
	frames := readFrames(t, conn)
	require.Equal(t, "error", frames[0].Type)
	require.Equal(t, "invalid_request", frames[0].Code)

	p.client.err = &apperrors.TransientBackendError{StatusCode: 503, Backend: "studio", Err: errors.New("overloaded")}
	conn = dialStream(t, e)
	require.NoError(t, conn.WriteJSON(map[string]any{"clientId": "C", "prompt": "hi"}))
	frames = readFrames(t, conn)
	require.Len(t, frames, 3)
	require.Equal(t, "error", frames[2].Type)
	require.Equal(t, "backend_unavailable", frames[2].Code)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	srv := httptest.NewServer(e)
	defer srv.Close()
	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", hdr)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
