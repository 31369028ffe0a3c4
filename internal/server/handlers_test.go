package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/bypass"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/stats"
)

type fakeStatsSource struct {
	classes  []domain.QueryStat
	ingested []stats.Observation
	dropped  int64

	lastFilter stats.SnapshotFilter
}

func (f *fakeStatsSource) Snapshot(filter stats.SnapshotFilter) []domain.QueryStat {
	f.lastFilter = filter
	return f.classes
}

func (f *fakeStatsSource) Ingest(obs stats.Observation) {
	f.ingested = append(f.ingested, obs)
}

func (f *fakeStatsSource) Dropped() int64 { return f.dropped }

type fakeMutationSource struct {
	mutations []domain.Mutation
	err       error

	lastSince int64
	lastLimit int
}

func (f *fakeMutationSource) Since(_ context.Context, mid int64, limit int) ([]domain.Mutation, error) {
	f.lastSince, f.lastLimit = mid, limit
	return f.mutations, f.err
}

func (f *fakeMutationSource) Subscribe() (<-chan domain.Mutation, func()) {
	ch := make(chan domain.Mutation)
	return ch, func() { close(ch) }
}

type fakeRoller struct {
	rid int64
	err error
	mid int64
}

func (f *fakeRoller) Rollback(_ context.Context, mid int64) (int64, error) {
	f.mid = mid
	return f.rid, f.err
}

type fakeProfile struct {
	deactivated map[domain.TenantID][]string
	err         error
}

func (f *fakeProfile) Deactivated(tenant domain.TenantID) []string {
	return f.deactivated[tenant]
}

func (f *fakeProfile) SetDeactivated(_ context.Context, tenant domain.TenantID, keys []string) error {
	if f.err != nil {
		return f.err
	}
	if f.deactivated == nil {
		f.deactivated = map[domain.TenantID][]string{}
	}
	f.deactivated[tenant] = keys
	return nil
}

type testServer struct {
	*Server
	stats     *fakeStatsSource
	mutations *fakeMutationSource
	roller    *fakeRoller
	switches  *bypass.Switch
	profile   *fakeProfile
}

func newTestServer(t *testing.T, analyze AnalyzeTrigger) *testServer {
	t.Helper()
	st := &fakeStatsSource{}
	mu := &fakeMutationSource{}
	ro := &fakeRoller{}
	sw := bypass.New(zerolog.Nop())
	pr := &fakeProfile{}
	s := New(&config.Config{Port: 0}, st, mu, ro, sw, pr, nil, analyze, nil, zerolog.Nop())
	return &testServer{Server: s, stats: st, mutations: mu, roller: ro, switches: sw, profile: pr}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestPerformanceEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.stats.classes = []domain.QueryStat{{Fingerprint: "select * from users where email = ?", Count: 12}}
	ts.stats.dropped = 3

	rec := ts.do(t, http.MethodGet, "/performance?tenant=acme&table=users&min_count=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["classes"], 1)
	assert.Equal(t, float64(3), body["dropped"])

	require.NotNil(t, ts.stats.lastFilter.Tenant)
	assert.Equal(t, domain.TenantID("acme"), *ts.stats.lastFilter.Tenant)
	assert.Equal(t, "users", ts.stats.lastFilter.Table)
	assert.Equal(t, int64(5), ts.stats.lastFilter.MinCount)
}

func TestMutationsPaging(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mutations.mutations = []domain.Mutation{{ID: 43, Action: domain.ActionCreate}}

	rec := ts.do(t, http.MethodGet, "/mutations?since=42&limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), ts.mutations.lastSince)
	assert.Equal(t, 10, ts.mutations.lastLimit)
	body := decode(t, rec)
	assert.Len(t, body["mutations"], 1)
}

func TestMutationsDefaultsAndBounds(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodGet, "/mutations", "")
	assert.Equal(t, int64(0), ts.mutations.lastSince)
	assert.Equal(t, 100, ts.mutations.lastLimit)

	ts.do(t, http.MethodGet, "/mutations?limit=5000", "")
	assert.Equal(t, 100, ts.mutations.lastLimit, "out-of-range limit falls back to the default")

	rec := ts.do(t, http.MethodGet, "/mutations?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservationsBatch(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `[
		{"tenant": "acme", "sql": "SELECT * FROM users WHERE email = $1", "duration_ms": 12.5},
		{"sql": "SELECT * FROM orders WHERE status = 'open'", "duration_ms": 3},
		{"sql": "", "duration_ms": 1}
	]`

	rec := ts.do(t, http.MethodPost, "/observations", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, float64(3), resp["accepted"])

	require.Len(t, ts.stats.ingested, 2, "empty sql is skipped")
	assert.Equal(t, domain.TenantID("acme"), ts.stats.ingested[0].Tenant)
	assert.Equal(t, 12500*time.Microsecond, ts.stats.ingested[0].Duration)
}

func TestObservationsRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/observations", `{"not": "a batch"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeEndpoint(t *testing.T) {
	ts := newTestServer(t, func(_ context.Context) ([]domain.IndexCandidate, error) {
		return []domain.IndexCandidate{{Table: "users", Columns: []string{"email"}}}, nil
	})

	rec := ts.do(t, http.MethodPost, "/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["selected"], 1)
}

func TestAnalyzeUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/analyze", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.roller.rid = 99

	rec := ts.do(t, http.MethodPost, "/rollback/42", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), ts.roller.mid)
	body := decode(t, rec)
	assert.Equal(t, float64(99), body["rollback_mid"])
}

func TestRollbackConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.roller.err = errors.New("mutation 42 (deferred) is not reversible")

	rec := ts.do(t, http.MethodPost, "/rollback/42", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body["error"], "not reversible")
}

func TestBypassRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/bypass", `{"level": "component", "name": "engine", "bypassed": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.switches.Allowed("engine", ""))

	rec = ts.do(t, http.MethodGet, "/bypass", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"engine"}, body["components"])

	rec = ts.do(t, http.MethodPost, "/bypass", `{"level": "component", "name": "engine", "bypassed": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.switches.Allowed("engine", ""))
}

func TestBypassStartupOnlyLiftable(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.switches.ParseStartup("startup"))

	rec := ts.do(t, http.MethodPost, "/bypass", `{"level": "startup", "bypassed": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body["error"], "can only be lifted")

	rec = ts.do(t, http.MethodPost, "/bypass", `{"level": "startup", "bypassed": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.switches.Allowed("engine", ""))
}

func TestProfileRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/profile", `{"tenant": "acme", "deactivated": ["users.ssn"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"users.ssn"}, ts.profile.deactivated["acme"])

	rec = ts.do(t, http.MethodGet, "/profile?tenant=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "acme", body["tenant"])
	assert.Equal(t, []any{"users.ssn"}, body["deactivated"])
}

func TestProfileGetEmptyTenant(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/profile?tenant=unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{}, body["deactivated"])
}

func TestProfileSetPersistFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.profile.err = errors.New("database unavailable")

	rec := ts.do(t, http.MethodPost, "/profile", `{"tenant": "acme", "deactivated": ["users.ssn"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBypassUnknownLevel(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/bypass", `{"level": "galaxy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
