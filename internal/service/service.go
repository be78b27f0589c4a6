package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"onvif-camera-gateway/common/database"
	rediscommon "onvif-camera-gateway/common/redis"
	"onvif-camera-gateway/internal/blobstore"
	"onvif-camera-gateway/internal/config"
	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/device"
	"onvif-camera-gateway/internal/gateway"
	"onvif-camera-gateway/internal/httpapi"
	"onvif-camera-gateway/internal/identity"
	"onvif-camera-gateway/internal/inference"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"
	"onvif-camera-gateway/internal/repository"
	"onvif-camera-gateway/internal/stream"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// GatewayService 摄像头网关服务
type GatewayService struct {
	config      *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	db          *sql.DB
	redisClient *redis.Client
	frameSink   *inference.FrameSink
	settings    *inference.SettingsStore
	gateway     *gateway.Gateway
	server      *httpapi.Server
}

// NewGatewayService 按配置组装网关；level 非空时随 wpDebugTelemetry 切换日志级别
func NewGatewayService(ctx context.Context, cfg *config.Config, logger *zap.Logger, level *zap.AtomicLevel) (*GatewayService, error) {
	s := &GatewayService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	repo := s.initRepository(ctx)
	s.initRedis(ctx)

	dialer, registrar := s.initControlPlane()

	invoker := peripheral.NewClient(peripheral.Config{
		BaseURL:         cfg.Peripheral.BaseURL,
		DeviceID:        cfg.Module.DeviceID,
		SASToken:        cfg.Peripheral.SASToken,
		ConnectTimeout:  cfg.Peripheral.ConnectTimeout,
		ResponseTimeout: cfg.Peripheral.ResponseTimeout,
	}, logger)

	var uploader *blobstore.Client
	if cfg.Blob.HostURL != "" {
		uploader = blobstore.NewClient(blobstore.Config{
			HostURL:   cfg.Blob.HostURL,
			Container: cfg.Blob.Container,
			SASToken:  cfg.Blob.SASToken,
		}, logger)
	} else {
		logger.Warn("BLOB_HOST_URL not set, image and discovery uploads are disabled")
	}

	opts := gateway.Options{
		Module: controlplane.Descriptor{
			DeviceID: cfg.Module.DeviceID,
			ModuleID: cfg.Module.ModuleID,
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		},
		ProvisioningKey:    cfg.Identity.ProvisioningKey,
		ModelID:            cfg.Identity.ModelID,
		PeripheralModuleID: cfg.Peripheral.ModuleID,
		HealthRetries:      cfg.Health.Retries,
		Version:            cfg.Module.Version,
		Registrar:          registrar,
		Dialer:             dialer,
		Invoker:            invoker,
		Repository:         repo,
		NewSession:         s.sessionFactory(invoker, uploader),
		OnDeviceRemoved:    s.onDeviceRemoved,
		LogLevel:           level,
		Logger:             logger,
		Metrics:            s.metrics,
	}
	if uploader != nil {
		opts.Uploader = uploader
	}
	s.gateway = gateway.New(opts)

	router := httpapi.NewRouter(s.gateway, s.metrics, cfg.Module.Version, logger)
	s.server = httpapi.NewServer(cfg.HTTP.Addr, router, logger)

	return s, nil
}

// initRepository Postgres 不可用时退回内存注册表
func (s *GatewayService) initRepository(ctx context.Context) repository.CameraRepository {
	if !s.config.Registry.Enabled || s.config.Module.LocalDebug {
		s.logger.Info("Using in-memory camera registry")
		return repository.NewMemoryCameraRepository()
	}

	db, err := database.NewPostgresDB(ctx, &s.config.Database)
	if err != nil {
		s.logger.Warn("Camera registry database unavailable, using in-memory registry", zap.Error(err))
		return repository.NewMemoryCameraRepository()
	}
	repo := repository.NewPostgresCameraRepository(db, s.logger)
	if err := repo.EnsureSchema(ctx); err != nil {
		s.logger.Warn("Failed to prepare camera registry schema, using in-memory registry", zap.Error(err))
		database.Close(db)
		return repository.NewMemoryCameraRepository()
	}
	s.db = db
	return repo
}

// initRedis Redis 不可用时帧不外送，推理参数不镜像
func (s *GatewayService) initRedis(ctx context.Context) {
	if s.config.Redis.Addr == "" {
		return
	}
	client, err := rediscommon.Connect(ctx, &s.config.Redis)
	if err != nil {
		s.logger.Warn("Redis unavailable, frames will not be forwarded to inference", zap.Error(err))
		return
	}
	s.redisClient = client
	s.frameSink = inference.NewFrameSink(client, s.config.Inference.FrameStream, s.config.Inference.MaxLen, s.logger)
	s.settings = inference.NewSettingsStore(client, s.config.Inference.SettingsKey)
}

// initControlPlane LOCAL_DEBUG 时使用进程内 hub 和本地注册
func (s *GatewayService) initControlPlane() (controlplane.Dialer, gateway.Registrar) {
	cfg := s.config
	if cfg.Module.LocalDebug {
		s.logger.Info("LOCAL_DEBUG enabled, using in-memory control plane")
		return controlplane.NewMemoryHub(true, s.logger, s.metrics), localRegistrar{logger: s.logger}
	}

	dialer := &controlplane.MQTTDialer{
		Port:           cfg.Hub.Port,
		QoS:            cfg.MQTT.QoS,
		ConnectTimeout: cfg.Hub.ConnectTimeout,
		RequestTimeout: cfg.Hub.ConnectTimeout,
		BrokerOverride: cfg.Hub.BrokerOverride,
		Logger:         s.logger,
		Metrics:        s.metrics,
	}
	registrar := identity.NewClient(identity.Config{
		ProvisioningHost: cfg.Identity.ProvisioningHost,
		ScopeID:          cfg.Identity.ScopeID,
		ModelID:          cfg.Identity.ModelID,
		AppHost:          cfg.Identity.AppHost,
		AppAPIToken:      cfg.Identity.AppAPIToken,
		GatewayDeviceID:  cfg.Module.DeviceID,
		GatewayModuleID:  cfg.Module.ModuleID,
		Timeout:          cfg.Identity.Timeout,
	}, s.logger)
	return dialer, registrar
}

// DefaultSettings 配置中的设备默认参数
func DefaultSettings(cfg *config.Config) models.DeviceSettings {
	classes := cfg.DetectionClassList()
	for i, c := range classes {
		classes[i] = strings.ToUpper(c)
	}
	return models.DeviceSettings{
		DetectionClasses:    classes,
		ConfidenceThreshold: cfg.Defaults.ConfidenceThreshold,
		InferenceInterval:   cfg.Defaults.InferenceInterval,
		InferenceTimeout:    cfg.Defaults.InferenceTimeout,
	}
}

func (s *GatewayService) sessionFactory(invoker peripheral.Invoker, uploader *blobstore.Client) gateway.SessionFactory {
	defaults := DefaultSettings(s.config)
	return func(rec models.CameraRecord) *device.Session {
		opts := device.Options{
			Record:             rec,
			PeripheralModuleID: s.config.Peripheral.ModuleID,
			Invoker:            invoker,
			Pipelines:          s.newPipeline,
			Defaults:           defaults,
			ReadyTimeout:       s.config.Device.ReadyTimeout,
			Logger:             s.logger,
			Metrics:            s.metrics,
		}
		if uploader != nil {
			opts.Uploader = uploader
		}
		if s.settings != nil {
			opts.Settings = s.settings
		}
		if s.frameSink != nil {
			opts.Counter = s.frameSink
		}
		return device.NewSession(opts)
	}
}

func (s *GatewayService) newPipeline(deviceID string, settings models.DeviceSettings, observer stream.Observer) device.Pipeline {
	cfg := stream.PipelineConfig{
		Supervisor: stream.SupervisorConfig{
			Command:     s.config.Decoder.Command,
			StopPoll:    s.config.Decoder.StopPoll,
			StopTimeout: s.config.Decoder.StopTimeout,
			GOOS:        runtime.GOOS,
		},
		MaxFrameSize: s.config.Decoder.MaxFrameSize,
		FrameTimeout: time.Duration(settings.InferenceTimeout) * time.Second,
	}
	var consumer stream.FrameConsumer
	if s.frameSink != nil {
		consumer = s.frameSink
	}
	return stream.NewPipeline(deviceID, cfg, consumer, observer, s.logger, s.metrics)
}

func (s *GatewayService) onDeviceRemoved(ctx context.Context, deviceID string) {
	if s.frameSink != nil {
		s.frameSink.Forget(deviceID)
	}
	if s.settings != nil {
		if err := s.settings.Delete(ctx, deviceID); err != nil {
			s.logger.Warn("Failed to remove inference settings", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// Gateway 设备群控制器
func (s *GatewayService) Gateway() *gateway.Gateway {
	return s.gateway
}

// Start 启动 HTTP 服务并连接网关模块；HTTP 服务异常退出时返回错误
func (s *GatewayService) Start(ctx context.Context) error {
	s.logger.Info("Starting camera gateway service",
		zap.String("version", s.config.Module.Version),
		zap.String("device_id", s.config.Module.DeviceID),
		zap.String("module_id", s.config.Module.ModuleID),
		zap.Bool("local_debug", s.config.Module.LocalDebug),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Stop 停止服务
func (s *GatewayService) Stop(ctx context.Context) {
	s.logger.Info("Stopping camera gateway service")

	s.gateway.Stop(ctx)

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Warn("Error stopping HTTP server", zap.Error(err))
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Warn("Error closing redis client", zap.Error(err))
		}
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Warn("Error closing database", zap.Error(err))
	}
}

// localRegistrar 本地调试：不访问注册服务，直接分配本地 hub
type localRegistrar struct {
	logger *zap.Logger
}

func (r localRegistrar) Register(_ context.Context, deviceID, _, _ string) (identity.Registration, error) {
	r.logger.Debug("Local registration", zap.String("device_id", deviceID))
	return identity.Registration{AssignedHub: "localhost", DeviceID: deviceID}, nil
}

func (r localRegistrar) Deregister(_ context.Context, deviceID string) error {
	r.logger.Debug("Local deregistration", zap.String("device_id", deviceID))
	return nil
}
