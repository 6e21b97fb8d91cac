package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/config"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/logstore"
	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/testutil"
)

const testToken = "test-admin-token"

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv       *Server
	tbl       table.Client
	store     *jobs.Store
	scheduler *jobs.Scheduler
	logs      *logstore.Store
	clock     *clock.Fake
}

// newFixture builds a server over the in-memory backend with handlers for the
// job types the tests schedule.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.DiscardLogger()
	tbl := table.NewMemory()
	clk := clock.NewFake(t0)
	store := jobs.NewStore(tbl, logger)

	registry := jobs.NewRegistry()
	noop := func(ctx context.Context, job *jobs.Job) error { return nil }
	registry.Register("generate_summary", noop)
	registry.Register("heartbeat", noop)

	scheduler := jobs.NewScheduler(store, jobs.NewDedupIndex(tbl), registry, clk, logger)
	logs := logstore.NewStore(tbl, logger)

	cfg := config.Default()
	cfg.Server.AdminToken = testToken

	srv := New(cfg, logger, logs, scheduler, store, clk, nil)
	return &fixture{srv: srv, tbl: tbl, store: store, scheduler: scheduler, logs: logs, clock: clk}
}

// do performs an authenticated request against the fixture's router.
func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		f.srv.Router().ServeHTTP(w, req)

		testutil.StatusCode(t, http.StatusOK, w.Code)
		testutil.Equal(t, "OK", w.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/jobs/stats", nil)
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/jobs/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/jobs/stats", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
}

func TestAPIOpenWithoutConfiguredToken(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg.Server.AdminToken = ""

	req := httptest.NewRequest(http.MethodGet, "/api/admin/jobs/stats", nil)
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusOK, w.Code)
}

func TestAPIRejectsUnknownContentType(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/log", strings.NewReader("user=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)

	testutil.StatusCode(t, http.StatusUnsupportedMediaType, w.Code)
}
