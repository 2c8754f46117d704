package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/bus"
	"github.com/JakeFAU/crawlfleet/internal/clock/manual"
	"github.com/JakeFAU/crawlfleet/internal/dispatcher"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

var epoch = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu        sync.Mutex
	published []protocol.Envelope
	fail      bool
}

func (f *fakeTransport) ParticipantID() string { return "disp" }

func (f *fakeTransport) Publish(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("%w: broker unreachable", bus.ErrPublish)
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakeTransport) OnMessage(bus.Handler)            {}
func (f *fakeTransport) Listen(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeTransport) StopListening()                   {}

func (f *fakeTransport) commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Command, 0, len(f.published))
	for _, env := range f.published {
		out = append(out, env.Command())
	}
	return out
}

type harness struct {
	server    *Server
	disp      *dispatcher.Dispatcher
	transport *fakeTransport
	clock     *manual.Clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	transport := &fakeTransport{}
	clk := manual.New(epoch)
	if cfg.LivenessWindow == 0 {
		cfg.LivenessWindow = 30 * time.Second
	}
	disp := dispatcher.New(transport, clk, nil, dispatcher.Config{LivenessWindow: cfg.LivenessWindow}, zap.NewNop())
	return &harness{
		server:    NewServer(disp, clk, cfg, zap.NewNop()),
		disp:      disp,
		transport: transport,
		clock:     clk,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) announce(t *testing.T, workerID string) {
	t.Helper()
	env, err := protocol.NewSignal(protocol.CmdScraperAvailable, workerID, protocol.Broadcast)
	require.NoError(t, err)
	h.disp.Handle(context.Background(), env)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "").Code)
	h.disp.Stop()
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestTargetsRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/v1/targets", `{"url":"https://a.example","frequency":"90s","payload":{"max_pages":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	h.announce(t, "w1")

	rec = h.do(t, http.MethodGet, "/v1/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	targets := decode(t, rec)["targets"].([]any)
	require.Len(t, targets, 1)
	target := targets[0].(map[string]any)
	assert.Equal(t, "https://a.example", target["url"])
	assert.Equal(t, "1m30s", target["frequency"])
	assert.Equal(t, "w1", target["last_worker"])
	assert.Equal(t, epoch.Format(time.RFC3339), target["last_dispatched_at"])
	assert.Equal(t, map[string]any{"max_pages": float64(3)}, target["payload"])
}

func TestAddTargetRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	cases := map[string]string{
		"invalid json":      `{`,
		"bad frequency":     `{"url":"https://a.example","frequency":"often"}`,
		"relative url":      `{"url":"/a"}`,
		"negative interval": `{"url":"https://a.example","frequency":"-1s"}`,
	}
	for name, body := range cases {
		rec := h.do(t, http.MethodPost, "/v1/targets", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestListWorkersReportsLiveness(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{LivenessWindow: 10 * time.Second})

	h.announce(t, "w1")
	h.clock.Advance(5 * time.Second)
	h.announce(t, "w2")
	h.clock.Advance(7 * time.Second)

	rec := h.do(t, http.MethodGet, "/v1/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	workers := decode(t, rec)["workers"].([]any)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].(map[string]any)["worker_id"])
	assert.Equal(t, false, workers[0].(map[string]any)["live"])
	assert.Equal(t, true, workers[1].(map[string]any)["live"])
}

func TestWorkerStatusEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.announce(t, "w1")

	rec := h.do(t, http.MethodGet, "/v1/workers/w1/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/workers/w1/status?full=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/fleet/status", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []protocol.Command{protocol.CmdGetStatus, protocol.CmdGetStatusSimple}, h.transport.commands())

	report := protocol.StatusReport{Busy: true, LinkCount: 2, ProcessedLinkCount: 1, TargetURL: "https://a.example", StatusDatetime: epoch, Full: true, State: "busy", ProcessedIDs: []string{"https://a.example"}}
	env, err := protocol.NewStatusReportEnvelope("w1", "disp", report)
	require.NoError(t, err)
	h.disp.Handle(context.Background(), env)

	rec = h.do(t, http.MethodGet, "/v1/workers/w1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["busy"])
	assert.Equal(t, float64(2), body["link_count"])
	assert.Equal(t, "busy", body["state"])
	assert.Equal(t, []any{"https://a.example"}, body["processed_ids"])
}

func TestWorkerCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.announce(t, "w1")

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/workers/ghost/reset", "").Code)
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/workers/w1/reset", "").Code)
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/workers/w1/shutdown", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/workers/w1/shutdown", "").Code)
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/fleet/shutdown", "").Code)

	assert.Equal(t, []protocol.Command{
		protocol.CmdResetScraper,
		protocol.CmdShutdown,
		protocol.CmdGlobalShutdown,
	}, h.transport.commands())
}

func TestCommandPublishFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.transport.fail = true

	rec := h.do(t, http.MethodPost, "/v1/fleet/shutdown", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "publish")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{APIKey: "secret"})

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/v1/targets", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	handler := h.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
