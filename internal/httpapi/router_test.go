package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"onvif-camera-gateway/internal/gateway"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFleet struct {
	state   models.HealthState
	checks  int
	devices []gateway.DeviceStatus
}

func (f *fakeFleet) CheckHealth(ctx context.Context) models.HealthState {
	f.checks++
	return f.state
}

func (f *fakeFleet) FleetHealth() models.FleetHealth {
	return models.FleetHealth{State: f.state, FailStreak: f.checks, RetryLimit: 3, DeviceCount: len(f.devices)}
}

func (f *fakeFleet) Devices() []gateway.DeviceStatus {
	return f.devices
}

func serve(t *testing.T, fleet *fakeFleet, m *metrics.Metrics, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(fleet, m, "1.2.3", zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth_Good(t *testing.T) {
	fleet := &fakeFleet{state: models.HealthGood}

	w := serve(t, fleet, nil, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.HealthGood, resp.State)
	assert.Equal(t, "good", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, fleet.checks)
}

func TestHealth_Degraded(t *testing.T) {
	fleet := &fakeFleet{state: models.HealthWarning}

	w := serve(t, fleet, nil, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.HealthWarning, resp.State)
}

func TestHealthSnapshot_DoesNotCheck(t *testing.T) {
	fleet := &fakeFleet{state: models.HealthGood}

	w := serve(t, fleet, nil, "/api/v1/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, fleet.checks)
}

func TestCameras(t *testing.T) {
	fleet := &fakeFleet{devices: []gateway.DeviceStatus{
		{CameraRecord: models.CameraRecord{DeviceID: "cam-1", Name: "Front", OnvifPassword: "secret"}, State: "ready"},
	}}

	w := serve(t, fleet, nil, "/api/v1/cameras")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deviceId":"cam-1"`)
	assert.NotContains(t, w.Body.String(), "secret")

	w = serve(t, fleet, nil, "/api/v1/cameras/cam-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, fleet, nil, "/api/v1/cameras/cam-9")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.SetFleet(2, 2, 0)

	w := serve(t, &fakeFleet{}, m, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "camera_gateway_fleet_devices 2"))
}
