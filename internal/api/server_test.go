package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus-v2/daily-engine/internal/api"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunStore struct {
	runs map[string]types.EngineRun
}

func (s *fakeRunStore) GetEngineRun(_ context.Context, asOfDate, region string) (types.EngineRun, bool, error) {
	r, ok := s.runs[asOfDate+"|"+region]
	return r, ok, nil
}

func (s *fakeRunStore) ListActiveEngineRuns(_ context.Context) ([]types.EngineRun, error) {
	var out []types.EngineRun
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func setupTestServer() (*api.Server, *httptest.Server) {
	store := &fakeRunStore{runs: map[string]types.EngineRun{
		"2026-01-15|US": {RunID: "run-1", AsOfDate: "2026-01-15", Region: "US", Phase: types.PhaseSignalsRunning},
	}}
	cfg := config.APIConfig{WebSocketPath: "/api/v1/stream"}
	server := api.NewServer(zap.NewNop(), cfg, store, prometheus.NewRegistry())
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func TestHandleHealth(t *testing.T) {
	_, ts := setupTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleGetRun(t *testing.T) {
	_, ts := setupTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs/2026-01-15/US")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var run types.EngineRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "run-1", run.RunID)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	_, ts := setupTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs/2099-01-01/US")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleListRuns(t *testing.T) {
	_, ts := setupTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Runs []types.EngineRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Runs, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcast_DeliversToConnectedClient(t *testing.T) {
	server, ts := setupTestServer()
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server register the client
	server.Broadcast(api.Event{Type: "run_phase", Payload: map[string]string{"run_id": "run-1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev api.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "run_phase", ev.Type)
}
