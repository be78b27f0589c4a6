package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/device"
	"onvif-camera-gateway/internal/identity"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"
	"onvif-camera-gateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	testProvisioningKey = "cHJvdmlzaW9uaW5nLXNlY3JldC0wMTIzNDU2Nzg5"
	moduleClientID      = "edge-1/camera-gateway"
)

type fakeRegistrar struct {
	mu            sync.Mutex
	registered    map[string]string
	deregistered  []string
	registerErr   error
	deregisterErr error
}

func (r *fakeRegistrar) Register(ctx context.Context, deviceID, deviceKey, modelID string) (identity.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return identity.Registration{}, r.registerErr
	}
	r.registered[deviceID] = deviceKey
	return identity.Registration{AssignedHub: "hub.example.net", DeviceID: deviceID}, nil
}

func (r *fakeRegistrar) Deregister(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deregisterErr != nil {
		return r.deregisterErr
	}
	r.deregistered = append(r.deregistered, deviceID)
	return nil
}

func (r *fakeRegistrar) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

type invocation struct {
	method string
	params interface{}
}

type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]interface{}
	errs    map[string]error
	calls   []invocation
}

func (f *fakeInvoker) Invoke(ctx context.Context, target, method string, params interface{}) (peripheral.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{method: method, params: params})
	if err := f.errs[method]; err != nil {
		return peripheral.Result{Status: http.StatusInternalServerError}, err
	}
	raw, _ := json.Marshal(f.results[method])
	return peripheral.Result{Status: http.StatusOK, Payload: raw}, nil
}

func (f *fakeInvoker) callsFor(method string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
	types map[string]string
}

func (u *fakeUploader) Upload(ctx context.Context, blobName string, data []byte, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[blobName] = data
	u.types[blobName] = contentType
	return "https://blob.example/gw/" + blobName, nil
}

type fixture struct {
	hub       *controlplane.MemoryHub
	registrar *fakeRegistrar
	invoker   *fakeInvoker
	uploader  *fakeUploader
	repo      *repository.MemoryCameraRepository
	level     zap.AtomicLevel

	mu       sync.Mutex
	exits    []int
	sleeps   []time.Duration
	removed  []string
	freeKB   uint64
	statsErr error

	gw *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hub:       controlplane.NewMemoryHub(true, zap.NewNop(), nil),
		registrar: &fakeRegistrar{registered: map[string]string{}},
		invoker:   &fakeInvoker{results: map[string]interface{}{}, errs: map[string]error{}},
		uploader:  &fakeUploader{blobs: map[string][]byte{}, types: map[string]string{}},
		repo:      repository.NewMemoryCameraRepository(),
		level:     zap.NewAtomicLevelAt(zapcore.InfoLevel),
		freeKB:    1024 * 1024,
	}
	invoker := f.invoker
	f.gw = New(Options{
		Module:             controlplane.Descriptor{DeviceID: "edge-1", ModuleID: "camera-gateway"},
		ProvisioningKey:    testProvisioningKey,
		ModelID:            "dtmi:test:camera;1",
		PeripheralModuleID: "OnvifModule",
		HealthRetries:      3,
		Version:            "1.2.3",
		Registrar:          f.registrar,
		Dialer:             f.hub,
		Invoker:            invoker,
		Uploader:           f.uploader,
		Repository:         f.repo,
		NewSession: func(rec models.CameraRecord) *device.Session {
			return device.NewSession(device.Options{
				Record:             rec,
				PeripheralModuleID: "OnvifModule",
				Invoker:            invoker,
				Defaults:           models.DeviceSettings{InferenceInterval: 2, InferenceTimeout: 5, ConfidenceThreshold: 70},
				Logger:             zap.NewNop(),
			})
		},
		OnDeviceRemoved: func(_ context.Context, deviceID string) {
			f.mu.Lock()
			f.removed = append(f.removed, deviceID)
			f.mu.Unlock()
		},
		LogLevel: &f.level,
		SystemStats: func() (SystemStats, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return SystemStats{TotalMemoryKB: 4 * 1024 * 1024, FreeMemoryKB: f.freeKB}, f.statsErr
		},
		Exit: func(code int) {
			f.mu.Lock()
			f.exits = append(f.exits, code)
			f.mu.Unlock()
		},
		Sleep: func(ctx context.Context, d time.Duration) {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
		},
		Now:    func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
		Logger: zap.NewNop(),
	})
	return f
}

func (f *fixture) start(t *testing.T) *controlplane.MemoryConnection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Start(ctx))
	conn := f.hub.Connection(moduleClientID)
	require.NotNil(t, conn)
	return conn
}

func (f *fixture) exitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exits)
}

func (f *fixture) setFree(kb uint64) {
	f.mu.Lock()
	f.freeKB = kb
	f.mu.Unlock()
}

func testRecord(id string) models.CameraRecord {
	return models.CameraRecord{
		DeviceID:          id,
		Name:              "Camera " + id,
		IPAddress:         "10.0.0.5",
		OnvifUsername:     "admin",
		OnvifPassword:     "secret",
		MediaProfileToken: "profile_1",
	}
}

func addCameraPayload(rec models.CameraRecord) map[string]interface{} {
	return map[string]interface{}{
		models.ParamAddDeviceID:          rec.DeviceID,
		models.ParamAddName:              rec.Name,
		models.ParamAddIPAddress:         rec.IPAddress,
		models.ParamAddOnvifUsername:     rec.OnvifUsername,
		models.ParamAddOnvifPassword:     rec.OnvifPassword,
		models.ParamAddMediaProfileToken: rec.MediaProfileToken,
	}
}

func invoke(t *testing.T, conn *controlplane.MemoryConnection, name string, payload interface{}) models.CommandResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := conn.Invoke(ctx, name, payload)
	require.NoError(t, err)
	return resp
}

func TestStart_ReportsModuleAndRecreatesDevices(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Upsert(context.Background(), testRecord("cam-1")))

	conn := f.start(t)

	reported := conn.Reported()
	assert.Equal(t, "1.2.3", reported["swVersion"])
	assert.Equal(t, uint64(4*1024*1024), reported["totalMemory"])
	assert.Contains(t, reported, "osName")
	assert.Equal(t, []interface{}{"Module initialization"}, conn.TelemetryValues(models.EvModuleStarted))

	assert.Equal(t, 1, f.gw.DeviceCount())
	_, ok := f.gw.Session("cam-1")
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"cam-1"}, conn.TelemetryValues(models.EvCreateCamera))
}

func TestStart_DialFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.hub.FailDial(moduleClientID, errors.New("unauthorized"))

	err := f.gw.Start(context.Background())

	assert.Error(t, err)
	assert.Equal(t, models.HealthCritical, f.gw.FleetHealth().State)
}

func TestAddCamera_Success(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	resp := invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1")))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Successfully connected to IoT Central - device: cam-1", resp.Message)
	assert.Equal(t, 1, f.gw.DeviceCount())

	key, err := identity.ComputeDeviceKey("cam-1", testProvisioningKey)
	require.NoError(t, err)
	assert.Equal(t, key, f.registrar.registered["cam-1"])

	rec, err := f.repo.Get(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", rec.OnvifPassword)

	assert.NotNil(t, f.hub.Connection("cam-1"))
	assert.Equal(t, []interface{}{"cam-1"}, conn.TelemetryValues(models.EvCreateCamera))
}

func TestAddCamera_MissingFieldRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	payload := addCameraPayload(testRecord("cam-1"))
	delete(payload, models.ParamAddOnvifPassword)
	resp := invoke(t, conn, models.CmdAddCamera, payload)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing required parameters", resp.Message)
	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.Equal(t, 0, f.registrar.registerCount())
}

func TestAddCamera_DirectValidation(t *testing.T) {
	f := newFixture(t)

	rec := testRecord("cam-1")
	rec.IPAddress = ""
	_, err := f.gw.AddCamera(context.Background(), rec)

	assert.True(t, errors.Is(err, models.ErrCommandValidation))
	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.Equal(t, 0, f.registrar.registerCount())
}

func TestAddCamera_RegisterFailure(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.registrar.registerErr = fmt.Errorf("%w: scope not found", models.ErrProvisioning)

	resp := invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1")))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Message, "Error while provisioning device")
	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.Nil(t, f.hub.Connection("cam-1"))
}

func TestAddCamera_ConnectFailureLeavesFleetUnchanged(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.hub.FailDial("cam-1", errors.New("connection refused"))

	resp := invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1")))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Message, "connection refused")
	assert.Equal(t, 0, f.gw.DeviceCount())
	records, err := f.repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, conn.TelemetryValues(models.EvCreateCamera))
}

func TestAddCamera_Duplicate(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)
	resp := invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1")))

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, f.gw.DeviceCount())
}

func TestDeleteCamera(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)
	deviceConn := f.hub.Connection("cam-1")

	resp := invoke(t, conn, models.CmdDeleteCamera, map[string]interface{}{models.ParamDeleteDeviceID: "cam-1"})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Finished deprovisioning camera device cam-1", resp.Message)
	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.True(t, deviceConn.Closed())
	assert.Equal(t, []string{"cam-1"}, f.registrar.deregistered)
	_, err := f.repo.Get(context.Background(), "cam-1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, []interface{}{"cam-1"}, conn.TelemetryValues(models.EvDeleteCamera))
	f.mu.Lock()
	assert.Equal(t, []string{"cam-1"}, f.removed)
	f.mu.Unlock()
}

func TestDeleteCamera_DeregisterFailureDoesNotRestore(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)
	f.registrar.deregisterErr = errors.New("503")

	resp := invoke(t, conn, models.CmdDeleteCamera, map[string]interface{}{models.ParamDeleteDeviceID: "cam-1"})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Error deprovisioning camera device cam-1", resp.Message)
	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.Empty(t, conn.TelemetryValues(models.EvDeleteCamera))
}

func TestDeleteCamera_MissingParameter(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	resp := invoke(t, conn, models.CmdDeleteCamera, map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.registrar.deregistered)
}

func TestCheckHealth_Good(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	state := f.gw.CheckHealth(context.Background())

	assert.Equal(t, models.HealthGood, state)
	assert.Equal(t, []interface{}{2}, conn.TelemetryValues(models.TlSystemHeartbeat))
	assert.Equal(t, []interface{}{uint64(1024 * 1024)}, conn.TelemetryValues(models.TlFreeMemory))
	assert.Equal(t, []interface{}{0}, conn.TelemetryValues(models.TlConnectedDevices))
	assert.Equal(t, 0, f.gw.FleetHealth().FailStreak)
}

func TestCheckHealth_StatsUnavailableStaysGood(t *testing.T) {
	f := newFixture(t)
	f.statsErr = errors.New("no /proc")
	conn := f.start(t)

	assert.Equal(t, models.HealthGood, f.gw.CheckHealth(context.Background()))
	assert.Empty(t, conn.TelemetryValues(models.TlFreeMemory))
}

func TestCheckHealth_RestartsOnceAtThreshold(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.setFree(0)

	assert.Equal(t, models.HealthCritical, f.gw.CheckHealth(context.Background()))
	assert.Equal(t, 0, f.exitCount())
	assert.Equal(t, models.HealthCritical, f.gw.CheckHealth(context.Background()))
	assert.Equal(t, 0, f.exitCount())
	assert.Equal(t, models.HealthCritical, f.gw.CheckHealth(context.Background()))
	assert.Equal(t, 1, f.exitCount())

	f.gw.CheckHealth(context.Background())
	assert.Equal(t, 1, f.exitCount())
	assert.Equal(t, []int{1}, f.exits)

	assert.Equal(t, []interface{}{"checkHealthState"}, conn.TelemetryValues(models.EvModuleRestart))
	assert.Equal(t, 4, f.gw.FleetHealth().FailStreak)
}

func TestCheckHealth_ModuleClientErrorCounts(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.Fail(errors.New("socket closed"))

	assert.Equal(t, models.HealthCritical, f.gw.CheckHealth(context.Background()))
	assert.Equal(t, 1, f.gw.FleetHealth().FailStreak)
	assert.Empty(t, conn.TelemetryValues(models.TlSystemHeartbeat))
}

func TestCheckHealth_FansOutToDevices(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)

	f.gw.CheckHealth(context.Background())

	deviceConn := f.hub.Connection("cam-1")
	require.Eventually(t, func() bool {
		return len(deviceConn.TelemetryValues(models.TlSystemHeartbeat)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []interface{}{1}, conn.TelemetryValues(models.TlConnectedDevices))
}

func TestRestartModule_RespondsThenExits(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	resp := invoke(t, conn, models.CmdRestartModule, map[string]interface{}{models.ParamRestartModuleTimeout: 3})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Restart module request received", resp.Message)
	require.Eventually(t, func() bool { return f.exitCount() == 1 }, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	f.mu.Unlock()
	assert.Equal(t, []interface{}{"RestartModule command received"}, conn.TelemetryValues(models.EvModuleRestart))
	assert.Equal(t, []interface{}{"Module restart"}, conn.TelemetryValues(models.EvModuleStopped))
}

func TestRestartCamera(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)

	resp := invoke(t, conn, models.CmdRestartCamera, map[string]interface{}{
		models.ParamRestartDeviceID:      "cam-1",
		models.ParamRestartCameraTimeout: 2,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Sent reboot command to camera: cam-1", resp.Message)
	calls := f.invoker.callsFor(models.RPCReboot)
	require.Len(t, calls, 1)
	assert.Equal(t, peripheral.CameraRequest{Address: "10.0.0.5", Username: "admin", Password: "secret"}, calls[0].params)
	f.mu.Lock()
	assert.Equal(t, []time.Duration{2 * time.Second}, f.sleeps)
	f.mu.Unlock()
}

func TestRestartCamera_Unknown(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	resp := invoke(t, conn, models.CmdRestartCamera, map[string]interface{}{models.ParamRestartDeviceID: "cam-9"})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.invoker.callsFor(models.RPCReboot))
}

func TestScanForCameras(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.invoker.results[models.RPCDiscover] = []peripheral.DiscoveredCamera{
		{Name: "Front", Hardware: "M3106", RemoteAddress: "10.0.0.5"},
	}

	resp := invoke(t, conn, models.CmdScanForCameras, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Completed onvif camera discovery and uploaded results to blob store", resp.Message)
	assert.Contains(t, resp.Data, "10.0.0.5")

	calls := f.invoker.callsFor(models.RPCDiscover)
	require.Len(t, calls, 1)
	assert.Equal(t, peripheral.DiscoverRequest{Timeout: 5000}, calls[0].params)

	csvName := "Camera Discovery 20240501-100000.csv"
	f.uploader.mu.Lock()
	assert.Equal(t, "Name,Model,IpAddress\nFront,M3106,10.0.0.5\n", string(f.uploader.blobs[csvName]))
	assert.Equal(t, "text/csv", f.uploader.types[csvName])
	assert.Contains(t, f.uploader.blobs, "Camera Discovery 20240501-100000.xlsx")
	f.uploader.mu.Unlock()

	assert.Equal(t, []interface{}{"https://blob.example/gw/" + csvName}, conn.TelemetryValues(models.EvUploadDiscovery))
}

func TestScanForCameras_TimeoutRule(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	invoke(t, conn, models.CmdScanForCameras, map[string]interface{}{models.ParamScanTimeout: 90})
	invoke(t, conn, models.CmdScanForCameras, map[string]interface{}{models.ParamScanTimeout: 10})

	calls := f.invoker.callsFor(models.RPCDiscover)
	require.Len(t, calls, 2)
	assert.Equal(t, peripheral.DiscoverRequest{Timeout: 5000}, calls[0].params)
	assert.Equal(t, peripheral.DiscoverRequest{Timeout: 10000}, calls[1].params)
}

func TestScanForCameras_RPCFailure(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.invoker.errs[models.RPCDiscover] = fmt.Errorf("%w: module offline", models.ErrRPC)

	resp := invoke(t, conn, models.CmdScanForCameras, nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Message, "Error during onvif camera discovery"))
	f.uploader.mu.Lock()
	assert.Empty(t, f.uploader.blobs)
	f.uploader.mu.Unlock()
}

func TestTestOnvif(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.invoker.results["GetProfiles"] = []string{"profile_1"}

	resp := invoke(t, conn, models.CmdTestOnvif, map[string]interface{}{
		models.ParamTestOnvifCommand: "GetProfiles",
		models.ParamTestOnvifPayload: `{"Address":"10.0.0.5"}`,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Executed onvif command: GetProfiles", resp.Message)
	assert.Equal(t, `["profile_1"]`, resp.Data)
	calls := f.invoker.callsFor("GetProfiles")
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]interface{}{"Address": "10.0.0.5"}, calls[0].params)
}

func TestTestOnvif_BadInput(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	resp := invoke(t, conn, models.CmdTestOnvif, map[string]interface{}{models.ParamTestOnvifCommand: "GetProfiles"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = invoke(t, conn, models.CmdTestOnvif, map[string]interface{}{
		models.ParamTestOnvifCommand: "GetProfiles",
		models.ParamTestOnvifPayload: "{not json",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, f.invoker.callsFor("GetProfiles"))
}

func TestModuleDebugTelemetry(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.PushDesired(controlplane.Patch{models.VersionKey: 2, models.WpDebugTelemetry: true, "wpOther": 1})

	assert.True(t, f.gw.DebugTelemetry())
	assert.Equal(t, zapcore.DebugLevel, f.level.Level())
	assert.Equal(t, true, conn.Reported()[models.WpDebugTelemetry])
	assert.NotContains(t, conn.Reported(), "wpOther")

	conn.PushDesired(controlplane.Patch{models.WpDebugTelemetry: false})
	assert.False(t, f.gw.DebugTelemetry())
	assert.Equal(t, zapcore.InfoLevel, f.level.Level())
}

func TestStop_ClosesSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	require.Equal(t, http.StatusOK, invoke(t, conn, models.CmdAddCamera, addCameraPayload(testRecord("cam-1"))).StatusCode)

	f.gw.Stop(context.Background())

	assert.Equal(t, 0, f.gw.DeviceCount())
	assert.True(t, f.hub.Connection("cam-1").Closed())
	assert.True(t, conn.Closed())
	assert.Empty(t, f.registrar.deregistered)
}

func TestParseMemInfo(t *testing.T) {
	stats, err := parseMemInfo(strings.NewReader("MemTotal:       16318480 kB\nMemFree:          512000 kB\nMemAvailable:    8000000 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(16318480), stats.TotalMemoryKB)
	assert.Equal(t, uint64(8000000), stats.FreeMemoryKB)

	stats, err = parseMemInfo(strings.NewReader("MemTotal: 1000 kB\nMemFree: 10 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.FreeMemoryKB)

	_, err = parseMemInfo(strings.NewReader("garbage"))
	assert.Error(t, err)
}
