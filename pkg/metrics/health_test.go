package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	h := NewHealthChecker()
	h.SetVersion("1.0.0")

	h.Update(ComponentAPI, true, "")
	h.Update(ComponentJournal, true, "")

	health := h.Health()
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	h.Update(ComponentJournal, false, "raft shut down")
	health = h.Health()
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, "unhealthy: raft shut down", health.Components[ComponentJournal])
	assert.Equal(t, StatusHealthy, health.Components[ComponentAPI])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
		wantMsg    string
	}{
		{
			name:       "all ready",
			components: map[string]bool{ComponentJournal: true, ComponentDelivery: true, ComponentAPI: true},
			wantStatus: StatusReady,
		},
		{
			name:       "missing critical component",
			components: map[string]bool{ComponentJournal: true, ComponentAPI: true},
			wantStatus: StatusNotReady,
			wantMsg:    "waiting for delivery",
		},
		{
			name:       "critical component unhealthy",
			components: map[string]bool{ComponentJournal: false, ComponentDelivery: true, ComponentAPI: true},
			wantStatus: StatusNotReady,
			wantMsg:    "waiting for journal",
		},
		{
			name:       "extra components are ignored",
			components: map[string]bool{ComponentJournal: true, ComponentDelivery: true, ComponentAPI: true, "webhooks": false},
			wantStatus: StatusReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(ComponentJournal, ComponentDelivery, ComponentAPI)
			for name, healthy := range tt.components {
				h.Update(name, healthy, "starting")
			}

			ready := h.Readiness()
			assert.Equal(t, tt.wantStatus, ready.Status)
			assert.Equal(t, tt.wantMsg, ready.Message)
			assert.Len(t, ready.Components, 3)
		})
	}
}

func TestHandlers(t *testing.T) {
	h := NewHealthChecker(ComponentAPI)
	server := httptest.NewServer(h.Mux())
	defer server.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusNotReady, body["status"])

	h.Update(ComponentAPI, true, "")
	code, body = get("/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusReady, body["status"])

	code, _ = get("/health")
	assert.Equal(t, http.StatusOK, code)

	h.Update(ComponentAPI, false, "listener closed")
	code, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, body["status"])

	code, body = get("/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	EventsAppended.Inc()

	rec := httptest.NewRecorder()
	DefaultHealthChecker().Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailroom_events_appended_total")
}
