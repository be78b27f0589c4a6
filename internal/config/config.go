package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"onvif-camera-gateway/common/config"

	"github.com/spf13/viper"
)

// Config 摄像头网关配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Log struct {
		Level  string
		Format string
	}

	HTTP struct {
		Addr string
	}

	// 边缘模块身份（由 IoT Edge 运行时注入）
	Module struct {
		DeviceID   string
		ModuleID   string
		Version    string
		LocalDebug bool
	}

	// 设备注册（DPS）与云端应用
	Identity struct {
		ProvisioningHost string
		ScopeID          string
		ProvisioningKey  string
		ModelID          string
		AppHost          string
		AppAPIToken      string
		Timeout          time.Duration
	}

	// 设备控制面连接
	Hub struct {
		Port           int
		ConnectTimeout time.Duration
		// 为空时按 ssl://<assignedHub>:<port> 拼接
		BrokerOverride string
	}

	// ONVIF 外设模块 RPC
	Peripheral struct {
		ModuleID        string
		BaseURL         string
		SASToken        string
		ConnectTimeout  time.Duration
		ResponseTimeout time.Duration
	}

	Blob struct {
		HostURL   string
		Container string
		SASToken  string
	}

	Health struct {
		Retries int
	}

	Decoder struct {
		Command      string
		StopPoll     time.Duration
		StopTimeout  time.Duration
		MaxFrameSize int
	}

	// 设备默认参数（desired property 为空或非法时使用）
	Defaults struct {
		DetectionClasses    string
		ConfidenceThreshold float64
		InferenceInterval   int
		InferenceTimeout    int
	}

	Device struct {
		ReadyTimeout time.Duration
	}

	Inference struct {
		FrameStream string
		MaxLen      int64
		SettingsKey string
	}

	Registry struct {
		Enabled bool
	}
}

// Load 加载配置：环境变量优先，其次是可选的 YAML 文件，最后是默认值
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	src := &source{v: v}
	cfg := &Config{}

	cfg.Database.Host = src.getEnv("DB_HOST", "localhost")
	cfg.Database.Port = src.getInt("DB_PORT", 5432)
	cfg.Database.User = src.getEnv("DB_USER", "postgres")
	cfg.Database.Password = src.getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = src.getEnv("DB_NAME", "camera_gateway")
	cfg.Database.SSLMode = src.getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = src.getInt("DB_MAX_CONNS", 5)
	cfg.Database.ConnectTimeout = src.getSeconds("DB_CONNECT_TIMEOUT_SECONDS", 5)

	cfg.Redis.Addr = src.getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = src.getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = src.getInt("REDIS_DB", 0)
	cfg.Redis.PoolSize = src.getInt("REDIS_POOL_SIZE", 16)
	cfg.Redis.DialTimeout = src.getSeconds("REDIS_DIAL_TIMEOUT_SECONDS", 5)
	cfg.Redis.WriteTimeout = src.getSeconds("REDIS_WRITE_TIMEOUT_SECONDS", 3)

	cfg.Module.DeviceID = src.getEnv("IOTEDGE_DEVICEID", "")
	cfg.Module.ModuleID = src.getEnv("IOTEDGE_MODULEID", "camera-gateway")
	cfg.Module.Version = src.getEnv("MODULE_VERSION", "1.0.0")
	cfg.Module.LocalDebug = src.getEnv("LOCAL_DEBUG", "") == "1"
	cfg.Database.ApplicationName = cfg.Module.ModuleID

	// 模块自身的控制面连接（edgeHub 或本地 broker）
	cfg.MQTT.Broker = src.getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = src.getEnv("MQTT_CLIENT_ID", defaultClientID(cfg.Module.DeviceID, cfg.Module.ModuleID))
	cfg.MQTT.Username = src.getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = src.getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(src.getInt("MQTT_QOS", 1))
	cfg.MQTT.ConnectTimeout = src.getSeconds("MQTT_CONNECT_TIMEOUT_SECONDS", 30)

	cfg.Log.Level = src.getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = src.getEnv("LOG_FORMAT", "json")

	cfg.HTTP.Addr = src.getEnv("HTTP_ADDR", ":9072")

	cfg.Identity.ProvisioningHost = src.getEnv("DPS_PROVISIONING_HOST", "global.azure-devices-provisioning.net")
	cfg.Identity.ScopeID = src.getEnv("DPS_SCOPE_ID", "")
	cfg.Identity.ProvisioningKey = src.getEnv("DPS_PROVISIONING_KEY", "")
	cfg.Identity.ModelID = src.getEnv("DEVICE_MODEL_ID", "dtmi:com:iotcentral:model:OnvifObjectDetectorCamera;1")
	cfg.Identity.AppHost = src.getEnv("APP_HOST", "")
	cfg.Identity.AppAPIToken = src.getEnv("APP_API_TOKEN", "")
	cfg.Identity.Timeout = src.getSeconds("DPS_TIMEOUT_SECONDS", 30)

	cfg.Hub.Port = src.getInt("HUB_MQTT_PORT", 8883)
	cfg.Hub.ConnectTimeout = src.getSeconds("HUB_CONNECT_TIMEOUT_SECONDS", 30)
	cfg.Hub.BrokerOverride = src.getEnv("HUB_BROKER_OVERRIDE", "")

	cfg.Peripheral.ModuleID = src.getEnv("ONVIF_MODULE_ID", "OnvifModule")
	cfg.Peripheral.BaseURL = src.getEnv("PERIPHERAL_BASE_URL", "https://edgeHub:443")
	cfg.Peripheral.SASToken = src.getEnv("PERIPHERAL_SAS_TOKEN", "")
	cfg.Peripheral.ConnectTimeout = src.getSeconds("PERIPHERAL_CONNECT_TIMEOUT_SECONDS", 30)
	cfg.Peripheral.ResponseTimeout = src.getSeconds("PERIPHERAL_RESPONSE_TIMEOUT_SECONDS", 30)

	cfg.Blob.HostURL = src.getEnv("BLOB_HOST_URL", "")
	cfg.Blob.Container = src.getEnv("BLOB_CONTAINER", "camera-gateway")
	cfg.Blob.SASToken = src.getEnv("BLOB_SAS_TOKEN", "")

	cfg.Health.Retries = src.getInt("HEALTH_CHECK_RETRIES", 3)

	cfg.Decoder.Command = src.getEnv("DECODER_COMMAND", "ffmpeg")
	cfg.Decoder.StopPoll = src.getSeconds("DECODER_STOP_POLL_SECONDS", 1)
	cfg.Decoder.StopTimeout = src.getSeconds("DECODER_STOP_TIMEOUT_SECONDS", 5)
	cfg.Decoder.MaxFrameSize = src.getInt("DECODER_MAX_FRAME_BYTES", 16<<20)

	cfg.Defaults.DetectionClasses = src.getEnv("DEFAULT_DETECTION_CLASSES", "person")
	cfg.Defaults.ConfidenceThreshold = src.getFloat("DEFAULT_CONFIDENCE_THRESHOLD", 70)
	cfg.Defaults.InferenceInterval = src.getInt("DEFAULT_INFERENCE_INTERVAL", 2)
	cfg.Defaults.InferenceTimeout = src.getInt("DEFAULT_INFERENCE_TIMEOUT", 5)

	// 0 表示无限等待首次 desired properties
	cfg.Device.ReadyTimeout = src.getSeconds("DEVICE_READY_TIMEOUT_SECONDS", 0)

	cfg.Inference.FrameStream = src.getEnv("INFERENCE_FRAME_STREAM", "camera:frames:stream")
	cfg.Inference.MaxLen = int64(src.getInt("INFERENCE_FRAME_STREAM_MAXLEN", 1000))
	cfg.Inference.SettingsKey = src.getEnv("INFERENCE_SETTINGS_PREFIX", "camera-gateway:settings")

	cfg.Registry.Enabled = src.getEnv("CAMERA_REGISTRY_ENABLED", "true") == "true"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Health.Retries < 1 {
		return fmt.Errorf("HEALTH_CHECK_RETRIES must be >= 1, got %d", c.Health.Retries)
	}
	if c.Decoder.StopPoll <= 0 || c.Decoder.StopTimeout < c.Decoder.StopPoll {
		return fmt.Errorf("invalid decoder stop timing: poll=%s timeout=%s", c.Decoder.StopPoll, c.Decoder.StopTimeout)
	}
	if !c.Module.LocalDebug && c.Identity.ScopeID != "" && c.Identity.ProvisioningKey == "" {
		return fmt.Errorf("DPS_PROVISIONING_KEY is required when DPS_SCOPE_ID is set")
	}
	return nil
}

// DetectionClassList 默认检测类别列表
func (c *Config) DetectionClassList() []string {
	return SplitClasses(c.Defaults.DetectionClasses)
}

// SplitClasses 解析逗号分隔的类别
func SplitClasses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultClientID(deviceID, moduleID string) string {
	if deviceID == "" {
		return moduleID
	}
	return deviceID + "/" + moduleID
}

type source struct {
	v *viper.Viper
}

func (s *source) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if s.v != nil && s.v.IsSet(key) {
		if value := s.v.GetString(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func (s *source) getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(s.getEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func (s *source) getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(s.getEnv(key, ""), 64); err == nil {
		return f
	}
	return defaultValue
}

func (s *source) getSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(s.getInt(key, defaultValue)) * time.Second
}
