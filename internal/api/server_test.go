package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/campaign"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

type fakeSummaries struct {
	mu      sync.Mutex
	summary *campaign.Summary
	running bool
}

func (f *fakeSummaries) Last() (campaign.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summary == nil {
		return campaign.Summary{}, false
	}
	return *f.summary, true
}

func (f *fakeSummaries) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestServer() *Server {
	return NewServer(Config{}, &fakeSummaries{}, nil, nil, zap.NewNop())
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ReadyzReflectsCheck(t *testing.T) {
	t.Parallel()

	var fail bool
	ready := func(context.Context) error {
		if fail {
			return errors.New("postgres unreachable")
		}
		return nil
	}
	s := NewServer(Config{}, &fakeSummaries{}, nil, ready, zap.NewNop())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	fail = true
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres unreachable")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestServer_CampaignSummary(t *testing.T) {
	t.Parallel()

	sums := &fakeSummaries{running: true}
	s := NewServer(Config{}, sums, nil, nil, zap.NewNop())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaign/summary", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), `"running":true`)

	sums.mu.Lock()
	sums.running = false
	sums.summary = &campaign.Summary{
		CampaignID: "c-1",
		Status:     store.RunSuccess,
		Items:      2,
		Resolved:   1,
		Abandoned:  1,
		Targets: []campaign.TargetSummary{
			{Target: "a.test", Queries: 2, Resolved: 1, Abandoned: 1, AbandonReason: "blocked at top tier"},
		},
	}
	sums.mu.Unlock()

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaign/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Running bool             `json:"running"`
		Summary campaign.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Running)
	require.Equal(t, "c-1", body.Summary.CampaignID)
	require.Equal(t, "blocked at top tier", body.Summary.Targets[0].AbandonReason)
}

func TestServer_CampaignRoutes(t *testing.T) {
	t.Parallel()

	repo := memory.NewCampaignStore()
	id := seedCampaign(t, repo)
	s := NewServer(Config{}, &fakeSummaries{}, NewProgressHandler(repo, zap.NewNop()), nil, zap.NewNop())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaigns?status=success", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaigns/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"success"`)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaigns/"+id.String()+"/targets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"target":"jobs.test"`)
	require.Contains(t, rec.Body.String(), `"blocked":1`)
}

func TestServer_CampaignRoutesAbsentWithoutRepository(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{APIKey: "secret"}, &fakeSummaries{}, nil, nil, zap.NewNop())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaign/summary", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/campaign/summary", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(s, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/campaign/summary?api_key=secret", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// probes stay open
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = serve(newTestServer(), req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		return h.client.Close()
	}
	return nil
}

func seedCampaign(t *testing.T, repo *memory.CampaignStore) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := mustUUID(t)
	start := time.Unix(1700000000, 0).UTC()
	require.NoError(t, repo.UpsertCampaignStart(ctx, id, start))
	require.NoError(t, repo.UpsertTargetStats(ctx, id, "jobs.test", "blocked", 1, 120, start))
	require.NoError(t, repo.UpsertTargetStats(ctx, id, "jobs.test", "success", 1, 4096, start.Add(time.Second)))
	require.NoError(t, repo.CompleteCampaign(ctx, id, start.Add(time.Minute), store.RunSuccess, nil))
	return id
}
