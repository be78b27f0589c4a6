package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9072", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Health.Retries)
	assert.Equal(t, "ffmpeg", cfg.Decoder.Command)
	assert.Equal(t, time.Second, cfg.Decoder.StopPoll)
	assert.Equal(t, 5*time.Second, cfg.Decoder.StopTimeout)
	assert.Equal(t, "global.azure-devices-provisioning.net", cfg.Identity.ProvisioningHost)
	assert.Equal(t, "dtmi:com:iotcentral:model:OnvifObjectDetectorCamera;1", cfg.Identity.ModelID)
	assert.Equal(t, 30*time.Second, cfg.Peripheral.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Peripheral.ResponseTimeout)
	assert.Equal(t, []string{"person"}, cfg.DetectionClassList())
	assert.Equal(t, float64(70), cfg.Defaults.ConfidenceThreshold)
	assert.Equal(t, 2, cfg.Defaults.InferenceInterval)
	assert.Equal(t, time.Duration(0), cfg.Device.ReadyTimeout)
	assert.Equal(t, "camera-gateway", cfg.MQTT.ClientID)
	assert.False(t, cfg.Module.LocalDebug)
	assert.True(t, cfg.Registry.Enabled)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	os.Setenv("IOTEDGE_DEVICEID", "edge-01")
	os.Setenv("IOTEDGE_MODULEID", "gw")
	os.Setenv("HEALTH_CHECK_RETRIES", "5")
	os.Setenv("LOCAL_DEBUG", "1")
	os.Setenv("DEFAULT_DETECTION_CLASSES", "person, car ,,dog")
	os.Setenv("DEVICE_READY_TIMEOUT_SECONDS", "12")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "edge-01/gw", cfg.MQTT.ClientID)
	assert.Equal(t, 5, cfg.Health.Retries)
	assert.True(t, cfg.Module.LocalDebug)
	assert.Equal(t, []string{"person", "car", "dog"}, cfg.DetectionClassList())
	assert.Equal(t, 12*time.Second, cfg.Device.ReadyTimeout)
}

func TestLoad_FileBelowEnvironment(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR: \":8080\"\nHEALTH_CHECK_RETRIES: 4\nBLOB_CONTAINER: snapshots\n"), 0o600))

	os.Setenv("HEALTH_CHECK_RETRIES", "6")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "snapshots", cfg.Blob.Container)
	assert.Equal(t, 6, cfg.Health.Retries)
}

func TestLoad_InvalidRetries(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()
	os.Setenv("HEALTH_CHECK_RETRIES", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	os.Clearenv()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
