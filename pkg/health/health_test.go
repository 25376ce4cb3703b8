package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-agent/pkg/config"
	"github.com/relaymesh/relay-agent/pkg/engine"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
	"github.com/relaymesh/relay-agent/pkg/queue"
)

type stubTransport struct{ connected bool }

func (s *stubTransport) Start(context.Context) {}
func (s *stubTransport) Stop()                 {}
func (s *stubTransport) IsConnected() bool     { return s.connected }
func (s *stubTransport) SendData(string, string, time.Time, map[string]interface{}, map[string]interface{}) bool {
	return s.connected
}
func (s *stubTransport) SendStatus(string, map[string]interface{}) bool { return s.connected }

func newMonitor(t *testing.T, tr engine.Transport) (*Monitor, *engine.Engine) {
	t.Helper()

	store, err := config.NewStore(t.TempDir())
	require.NoError(t, err)

	q, err := queue.New(queue.Options{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	eng := engine.New(registry.New(), store, tr, q, engine.Options{})
	return NewMonitor(eng, Options{DataPath: t.TempDir()}), eng
}

func TestReportStopped(t *testing.T) {
	m, _ := newMonitor(t, &stubTransport{})

	report := m.Report()
	assert.Equal(t, "stopped", report.Status)
	assert.False(t, report.Engine.Running)
	assert.NotEmpty(t, report.Timestamp)
}

func TestReportDegradedWhileDisconnected(t *testing.T) {
	m, eng := newMonitor(t, &stubTransport{connected: false})

	eng.Start(context.Background())
	defer eng.Stop()

	assert.Equal(t, "degraded", m.Report().Status)
}

func TestReportOK(t *testing.T) {
	m, eng := newMonitor(t, &stubTransport{connected: true})

	eng.Start(context.Background())
	defer eng.Stop()

	report := m.Report()
	assert.Equal(t, "ok", report.Status)
	assert.True(t, report.Engine.CloudConnected)
}

func TestHealthEndpoint(t *testing.T) {
	m, eng := newMonitor(t, &stubTransport{connected: true})
	eng.Start(context.Background())
	defer eng.Stop()

	rec := httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
}

func TestHealthEndpointStopped(t *testing.T) {
	m, _ := newMonitor(t, &stubTransport{})

	rec := httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyEndpoint(t *testing.T) {
	m, eng := newMonitor(t, &stubTransport{connected: true})

	rec := httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before start")

	eng.Start(context.Background())
	defer eng.Stop()

	rec = httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLiveEndpoint(t *testing.T) {
	m, _ := newMonitor(t, &stubTransport{})

	rec := httptest.NewRecorder()
	m.handleLive(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
