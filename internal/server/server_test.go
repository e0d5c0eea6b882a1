package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/categories"
	"github.com/conneroisu/strata/internal/config"
	"github.com/conneroisu/strata/internal/middleware"
	"github.com/conneroisu/strata/internal/monitoring"
	"github.com/conneroisu/strata/internal/registry"
	"github.com/conneroisu/strata/internal/scanner"
	"github.com/conneroisu/strata/internal/services"
	"github.com/conneroisu/strata/internal/testutils"
	strataws "github.com/conneroisu/strata/internal/websocket"
)

const testToken = "test-token"

type testServer struct {
	srv     *Server
	handler http.Handler
	srcDir  string
	redis   *miniredis.Miniredis
	hub     *strataws.Hub
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()

	p := testutils.CreateTempProject(t)
	p.WriteCollection(t, "posts", testutils.PostsSource)
	srcDir, outDir := p.SourceDir, p.OutputDir

	mr := miniredis.RunT(t)
	layered := cache.NewLayered(cache.Options{Redis: cache.NewRedisCache(cache.RedisOptions{Addr: mr.Addr()})}, nil)
	t.Cleanup(func() { layered.Close() })

	store, err := categories.Open(p.StorePath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scan := scanner.New(scanner.Options{Root: srcDir, Extension: ".ts", Reserved: config.DefaultReserved})
	tr, err := build.NewTranspiler(build.DefaultRuntimeImport, ".ts", build.NewTranspileMemo(16))
	require.NoError(t, err)
	reg := registry.NewCollectionRegistry(nil)
	hub := strataws.NewHub([]string{"*"}, nil)

	orch := build.NewOrchestrator(scan, tr, build.NewArtifactWriter(outDir), reg, layered, hub, nil, build.Options{
		SourceDir:  srcDir,
		Extension:  ".ts",
		Timeout:    time.Minute,
		PruneStale: true,
	})

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, APIToken: testToken}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(Dependencies{
		Config:      cfg,
		Compiler:    orch,
		Collections: services.NewCollectionsService(scan, reg, layered),
		Categories:  services.NewCategoriesService(store, layered, nil),
		Cache:       layered,
		Hub:         hub,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, handler: srv.Handler(), srcDir: srcDir, redis: mr, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCompileEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/compile", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/compile", nil, authHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[build.Result](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, build.MsgCompleted, result.Message)
	assert.Equal(t, 1, result.Compiled)

	rec = ts.do(t, http.MethodPost, "/api/compile", nil, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	result = decode[build.Result](t, rec)
	assert.Equal(t, 0, result.Compiled, "unchanged sources are not recompiled")

	rec = ts.do(t, http.MethodPost, "/api/compile/force", nil, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	result = decode[build.Result](t, rec)
	assert.Equal(t, build.MsgCompleted, result.Message)
	assert.Equal(t, 0, result.Compiled, "a forced pass still honours the hash gate")
	assert.Equal(t, 1, result.Skipped)

	rec = ts.do(t, http.MethodGet, "/api/compile", nil, authHeader())
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCompileFailureReturns500(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(ts.srcDir, "broken.ts"), []byte(testutils.BrokenSource), 0o644))

	rec := ts.do(t, http.MethodPost, "/api/compile", nil, authHeader())
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode[middleware.Failure](t, rec)
	assert.False(t, body.Success)
	assert.True(t, strings.HasPrefix(body.Message, build.MsgFailed), body.Message)
}

func TestCollectionsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/compile", nil, authHeader()).Code)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"default", "/api/collections", http.StatusOK},
		{"names", "/api/collections?action=names", http.StatusOK},
		{"files", "/api/collections?action=files", http.StatusOK},
		{"structure", "/api/collections?action=structure", http.StatusOK},
		{"file", "/api/collections?action=file&name=posts.ts", http.StatusOK},
		{"collection", "/api/collections?action=collection&name=posts", http.StatusOK},
		{"missing collection", "/api/collections?action=collection&name=ghost", http.StatusNotFound},
		{"missing name", "/api/collections?action=collection", http.StatusBadRequest},
		{"traversal", "/api/collections?action=file&name=../../etc/passwd", http.StatusBadRequest},
		{"unknown action", "/api/collections?action=drop", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target, nil, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.status != http.StatusOK {
				body := decode[middleware.Failure](t, rec)
				assert.False(t, body.Success)
				assert.NotEmpty(t, body.Message)
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/collections?action=names", nil, nil)
	assert.JSONEq(t, `["posts"]`, rec.Body.String())
}

func TestCollectionsETag(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/compile", nil, authHeader()).Code)

	first := ts.do(t, http.MethodGet, "/api/collections?action=names", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, cache.SourceCompute, first.Header().Get("X-Cache"))

	second := ts.do(t, http.MethodGet, "/api/collections?action=names", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.Bytes())
	assert.Equal(t, cache.SourceRedis, second.Header().Get("X-Cache"))

	third := ts.do(t, http.MethodGet, "/api/collections?action=names", nil, map[string]string{"If-None-Match": `"other"`})
	assert.Equal(t, http.StatusOK, third.Code)
}

func TestCompileInvalidatesCollectionsCache(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/collections?action=names", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/compile", nil, authHeader()).Code)

	rec = ts.do(t, http.MethodGet, "/api/collections?action=names", nil, nil)
	assert.JSONEq(t, `["posts"]`, rec.Body.String())
}

func TestCategoriesEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/categories", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	tree := categories.Tree{
		"content": {ID: 1, Label: "Content", Subcategories: categories.Tree{
			"blog": {ID: 2, Label: "Blog", Collections: []string{"posts"}},
		}},
	}

	rec = ts.do(t, http.MethodPost, "/api/categories", tree, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/categories", tree, authHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replaced := decode[ReplaceResponse](t, rec)
	assert.True(t, replaced.Success)
	assert.Empty(t, replaced.BackupID, "nothing to back up on the first write")

	rec = ts.do(t, http.MethodGet, "/api/categories", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tree, decode[categories.Tree](t, rec))

	rec = ts.do(t, http.MethodPut, "/api/categories", map[string]interface{}{
		"id":      2,
		"updates": map[string]interface{}{"label": "Journal"},
	}, authHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[UpdateResponse](t, rec)
	assert.Equal(t, "Journal", updated.Tree["content"].Subcategories["blog"].Label)

	rec = ts.do(t, http.MethodGet, "/api/categories", nil, nil)
	assert.Contains(t, rec.Body.String(), "Journal", "reads after a write see the new tree")

	rec = ts.do(t, http.MethodPost, "/api/categories", categories.Tree{"other": {ID: 9}}, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ReplaceResponse](t, rec)
	assert.NotEmpty(t, second.BackupID)

	rec = ts.do(t, http.MethodGet, "/api/categories?backups=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	backups := decode[[]categories.Backup](t, rec)
	require.Len(t, backups, 1)
	assert.Equal(t, second.BackupID, backups[0].ID)
	assert.Contains(t, backups[0].Tree, "content")
}

func TestCategoriesWriteErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/categories", categories.Tree{"a": {ID: 1}}, authHeader()).Code)

	tests := []struct {
		name   string
		method string
		body   interface{}
		status int
	}{
		{"malformed json", http.MethodPost, `{"a":`, http.StatusBadRequest},
		{"null tree", http.MethodPost, `null`, http.StatusBadRequest},
		{"duplicate ids", http.MethodPost, categories.Tree{"a": {ID: 1}, "b": {ID: 1}}, http.StatusBadRequest},
		{"unknown field", http.MethodPut, `{"id":1,"updates":{"label":"x"},"extra":true}`, http.StatusBadRequest},
		{"empty updates", http.MethodPut, `{"id":1,"updates":{}}`, http.StatusBadRequest},
		{"missing id", http.MethodPut, `{"updates":{"label":"x"}}`, http.StatusBadRequest},
		{"unknown id", http.MethodPut, `{"id":42,"updates":{"label":"x"}}`, http.StatusNotFound},
		{"trailing data", http.MethodPut, `{"id":1,"updates":{"label":"x"}} {}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, "/api/categories", tt.body, authHeader())
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[middleware.Failure](t, rec)
			assert.False(t, body.Success)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/categories", nil, nil)
	assert.JSONEq(t, `{"a":{"id":1}}`, rec.Body.String(), "failed writes leave the tree untouched")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Status)
	assert.Equal(t, monitoring.HealthStatusUnknown, health.Checks["compile"].Status, "no pass has run yet")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/compile", nil, authHeader()).Code)

	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health = decode[HealthResponse](t, rec)
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Status)
	assert.Equal(t, 1, health.Collections)
	assert.True(t, health.Cache.RedisEnabled)
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Checks["cache"].Status)
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Checks["compile"].Status)
	require.NotNil(t, health.Compile.LastResult)
	assert.True(t, health.Compile.LastResult.Success)

	ts.redis.SetError("LOADING")
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "a degraded service still answers 200")
	health = decode[HealthResponse](t, rec)
	assert.Equal(t, monitoring.HealthStatusDegraded, health.Status)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, health.Checks["cache"].Status)
}

func TestHealthCriticalFailure(t *testing.T) {
	hm := monitoring.NewHealthMonitor(nil)
	hm.RegisterCheck(monitoring.SourceDirChecker(filepath.Join(t.TempDir(), "missing")))

	srv := New(Dependencies{
		Compiler:    stubCompiler{},
		Collections: services.NewCollectionsService(nil, registry.NewCollectionRegistry(nil), nil),
		Health:      hm,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, health.Status)
	assert.Contains(t, health.Checks, "source_dir")
	assert.Contains(t, health.Checks, "compile")
}

type stubCompiler struct{}

func (stubCompiler) Trigger(ctx context.Context, force bool) (build.Result, error) {
	return build.Result{Success: true, Message: build.MsgCompleted}, nil
}

func (stubCompiler) Status() build.Status { return build.Status{} }

func TestRedisOutageDoesNotFailReads(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.redis.Close()

	rec := ts.do(t, http.MethodGet, "/api/collections?action=files", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["posts.ts"]`, rec.Body.String())
}

func TestOpenServerWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(c *config.ServerConfig) { c.APIToken = "" })
	rec := ts.do(t, http.MethodPost, "/api/compile", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2}
	})

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, nil).Code)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t, func(c *config.ServerConfig) { c.AllowedOrigins = []string{"https://cms.example.com"} })

	rec := ts.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://cms.example.com"})
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "https://cms.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeAndCompileEvents(t *testing.T) {
	ts := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ts.srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, base+"/api/compile", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(t, err)

	var msg strataws.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, strataws.MessageCompile, msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, 1, msg.Result.Compiled)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, ts.srv.Shutdown(shutdownCtx))
	assert.NoError(t, <-done)
}

func TestETagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"abc"`, `"abc"`))
	assert.True(t, etagMatches(`"x", W/"abc"`, `"abc"`))
	assert.True(t, etagMatches(`*`, `"abc"`))
	assert.False(t, etagMatches(``, `"abc"`))
	assert.False(t, etagMatches(`"abd"`, `"abc"`))
}
