package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeattend/internal/attendance"
	"edgeattend/internal/auth"
	"edgeattend/internal/breaker"
	"edgeattend/internal/capture"
	"edgeattend/internal/localstore"
	"edgeattend/internal/schedule"
	"edgeattend/internal/syncer"
)

type fakeScanner struct {
	checkErr error
	scanErr  error
	active   map[string]bool
}

func (f *fakeScanner) Check(_ context.Context, identity string, requested schedule.ScanType) (schedule.Decision, error) {
	if f.checkErr != nil {
		return schedule.Decision{}, f.checkErr
	}
	st := schedule.Entry
	if requested != "" {
		st = requested
	}
	return schedule.Decision{Session: "morning", Date: "2026-03-09", ScanType: st, Status: schedule.OnTime}, nil
}

func (f *fakeScanner) Scan(ctx context.Context, identity string, requested schedule.ScanType, _ attendance.FrameSource, _ attendance.Evaluator) (attendance.Outcome, error) {
	if f.scanErr != nil {
		return attendance.Outcome{}, f.scanErr
	}
	d, _ := f.Check(ctx, identity, requested)
	return attendance.Outcome{
		State:    capture.Stable,
		Status:   capture.Stable.String(),
		Stable:   3 * time.Second,
		Decision: d,
		Record:   &localstore.Record{ID: "rec-1", Identity: identity, SyncState: localstore.Pending},
	}, nil
}

func (f *fakeScanner) Cancel(identity string) bool { return f.active[identity] }

type fakeSync struct {
	mu        sync.Mutex
	triggered int
	olderThan time.Duration
	records   []localstore.Record
	lastState localstore.SyncState
}

func (f *fakeSync) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered++
}

func (f *fakeSync) DrainAll(context.Context) (syncer.Summary, error) {
	return syncer.Summary{Listed: 2, Synced: 2}, nil
}

func (f *fakeSync) ResyncAll(context.Context) (int, syncer.Summary, error) {
	return 1, syncer.Summary{Listed: 1, Synced: 1}, nil
}

func (f *fakeSync) ArchiveStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = olderThan
	return 3, nil
}

func (f *fakeSync) Stats(context.Context) (localstore.Stats, error) {
	return localstore.Stats{Pending: 4, Synced: 10, Jobs: 4}, nil
}

func (f *fakeSync) Breakers() []breaker.Snapshot {
	return []breaker.Snapshot{{Endpoint: "record_insert", State: "open", Failures: 5}}
}

func (f *fakeSync) ListRecords(_ context.Context, state localstore.SyncState, limit int) ([]localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastState = state
	return f.records, nil
}

type nopSource struct{}

func (nopSource) Frame(context.Context) ([]byte, error) { return nil, nil }

type nopEvaluator struct{}

func (nopEvaluator) EvaluateTick(context.Context, []byte) (map[string]bool, error) { return nil, nil }

type testServer struct {
	router  *gin.Engine
	scanner *fakeScanner
	sync    *fakeSync
	issuer  *auth.Issuer
	healthy bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	iss, err := auth.NewIssuer("test-secret", "edgeattend", "gate-1", time.Hour)
	require.NoError(t, err)

	ts := &testServer{
		scanner: &fakeScanner{active: map[string]bool{"S-001": true}},
		sync:    &fakeSync{records: []localstore.Record{{ID: "rec-1", Identity: "S-001"}}},
		issuer:  iss,
		healthy: true,
	}
	ts.router = NewRouter(Deps{
		Scanner:     ts.scanner,
		Source:      nopSource{},
		Evaluator:   nopEvaluator{},
		Records:     ts.sync,
		Sync:        ts.sync,
		Issuer:      iss,
		OperatorKey: "operator-key",
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "edgeattend_up 1") }),
		Critical:    map[string]HealthCheck{"local_store": func(context.Context) bool { return ts.healthy }},
		Checks:      map[string]HealthCheck{"online": func(context.Context) bool { return false }},
	})
	return ts
}

func (ts *testServer) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := ts.issuer.Issue("tester", role)
	require.NoError(t, err)
	return tok.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["local_store"])
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	ts.healthy = false
	w = ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edgeattend_up")
}

func TestOperatorToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/operators/token", `{"operator_key":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/operators/token", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/operators/token", `{"operator_key":"operator-key","operator":"alice"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var tok auth.Token
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	claims, err := ts.issuer.Parse(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)

	w = ts.do(t, http.MethodGet, "/v1/sync/stats", "", tok.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorToken_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	var last int
	for i := 0; i < 12; i++ {
		last = ts.do(t, http.MethodPost, "/v1/operators/token", `{"operator_key":"nope"}`, "").Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	device := ts.token(t, auth.RoleDevice)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/records", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/records", "", device).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/v1/sync/drain", "", device).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/breakers", "", device).Code)
}

func TestScan(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleDevice)

	w := ts.do(t, http.MethodPost, "/v1/scans", `{"identity":"S-001"}`, tok)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "stable", body["state"])
	decision := body["decision"].(map[string]any)
	assert.Equal(t, "entry", decision["scan_type"])
	assert.Equal(t, "rec-1", body["record"].(map[string]any)["id"])

	w = ts.do(t, http.MethodPost, "/v1/scans", `{"identity":"S-001","scan_type":"lunch"}`, tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScan_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"out of window", fmt.Errorf("%w: 23:00", schedule.ErrOutOfWindow), http.StatusUnprocessableEntity},
		{"cooldown", fmt.Errorf("%w: S-001", schedule.ErrCooldown), http.StatusConflict},
		{"busy", capture.ErrSessionActive, http.StatusConflict},
		{"timeout", attendance.ErrCaptureTimeout, http.StatusRequestTimeout},
		{"persistence", fmt.Errorf("commit attendance: disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.scanner.scanErr = tt.err
			w := ts.do(t, http.MethodPost, "/v1/scans", `{"identity":"S-001"}`, ts.token(t, auth.RoleDevice))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestScanCheck(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleOperator)

	w := ts.do(t, http.MethodPost, "/v1/scans/check", `{"identity":"S-001","scan_type":"exit"}`, tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "exit", decode(t, w)["scan_type"])

	ts.scanner.checkErr = schedule.ErrOutOfWindow
	w = ts.do(t, http.MethodPost, "/v1/scans/check", `{"identity":"S-001"}`, tok)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCancelScan(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleDevice)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/v1/scans/S-001", "", tok).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/scans/S-999", "", tok).Code)
}

func TestRecords(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleOperator)

	w := ts.do(t, http.MethodGet, "/v1/records?state=failed&limit=5", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)
	assert.Equal(t, localstore.Failed, ts.sync.lastState)

	w = ts.do(t, http.MethodGet, "/v1/records?state=lost", "", tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncOperations(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleOperator)

	w := ts.do(t, http.MethodPost, "/v1/sync/drain", "", tok)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ts.sync.triggered)

	w = ts.do(t, http.MethodPost, "/v1/sync/drain?wait=true", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["synced"])

	w = ts.do(t, http.MethodPost, "/v1/sync/resync", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["requeued"])

	w = ts.do(t, http.MethodPost, "/v1/sync/archive", `{"older_than":"72h"}`, tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["archived"])
	assert.Equal(t, 72*time.Hour, ts.sync.olderThan)

	w = ts.do(t, http.MethodPost, "/v1/sync/archive", `{"older_than":"-1h"}`, tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/sync/stats", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["pending"])

	w = ts.do(t, http.MethodGet, "/v1/breakers", "", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["breakers"], 1)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/records", nil)
	req.Header.Set("Origin", "http://console.local")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://console.local", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), discardLogger()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
