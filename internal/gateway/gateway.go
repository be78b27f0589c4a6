// Package gateway 摄像头网关的设备群生命周期：新增/删除设备、网关级命令与健康升级策略
package gateway

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/device"
	"onvif-camera-gateway/internal/identity"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"
	"onvif-camera-gateway/internal/repository"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Registrar 身份注册面
type Registrar interface {
	Register(ctx context.Context, deviceID, deviceKey, modelID string) (identity.Registration, error)
	Deregister(ctx context.Context, deviceID string) error
}

// Uploader 对象存储上传
type Uploader interface {
	Upload(ctx context.Context, blobName string, data []byte, contentType string) (string, error)
}

// SessionFactory 为摄像头记录创建设备会话
type SessionFactory func(rec models.CameraRecord) *device.Session

// Options 网关依赖
type Options struct {
	// Module 网关模块自身的控制面连接描述
	Module             controlplane.Descriptor
	ProvisioningKey    string
	ModelID            string
	PeripheralModuleID string
	HealthRetries      int
	Version            string

	Registrar  Registrar
	Dialer     controlplane.Dialer
	Invoker    peripheral.Invoker
	Uploader   Uploader
	Repository repository.CameraRepository
	NewSession SessionFactory
	// OnDeviceRemoved 会话关闭后清理该设备的外部状态，可为空
	OnDeviceRemoved func(ctx context.Context, deviceID string)

	// LogLevel 非空时随 wpDebugTelemetry 切换到 debug
	LogLevel *zap.AtomicLevel

	// 以下可替换，便于测试
	SystemStats func() (SystemStats, error)
	Exit        func(code int)
	Sleep       func(ctx context.Context, d time.Duration)
	Now         func() time.Time

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Gateway 设备群控制器
type Gateway struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*device.Session

	healthMu   sync.Mutex
	health     models.HealthState
	failStreak int

	connMu     sync.Mutex
	moduleConn controlplane.Connection
	debug      atomic.Bool
	baseLevel  zapcore.Level

	ready      chan struct{}
	readyOnce  sync.Once
	restarting atomic.Bool
}

// New 创建网关
func New(opts Options) *Gateway {
	if opts.HealthRetries < 1 {
		opts.HealthRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SystemStats == nil {
		opts.SystemStats = ReadSystemStats
	}
	if opts.Exit == nil {
		opts.Exit = defaultExit
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Gateway{
		opts:    opts,
		logger:  opts.Logger,
		devices: make(map[string]*device.Session),
		health:  models.HealthGood,
		ready:   make(chan struct{}),
	}
	if opts.LogLevel != nil {
		g.baseLevel = opts.LogLevel.Level()
	}
	return g
}

// Start 建立网关模块连接，等待首次 desired 同步后恢复已有设备
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("Starting camera gateway", zap.String("module_id", g.opts.Module.ClientID()))

	conn, err := g.opts.Dialer.Dial(ctx, g.opts.Module, controlplane.Handlers{
		Desired:  g.onModuleProperties,
		Error:    g.onModuleClientError,
		Commands: g.commandHandlers(),
	})
	if err != nil {
		g.setHealth(models.HealthCritical)
		return fmt.Errorf("connect gateway module: %w", err)
	}

	g.connMu.Lock()
	g.moduleConn = conn
	g.connMu.Unlock()

	select {
	case <-g.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.onModuleReady(ctx)
	return nil
}

// Stop 关闭所有设备会话（不注销）和网关连接
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	sessions := make([]*device.Session, 0, len(g.devices))
	for id, s := range g.devices {
		sessions = append(sessions, s)
		delete(g.devices, id)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}

	g.sendTelemetry(ctx, map[string]interface{}{
		models.StModuleState:   models.StateInactive,
		models.EvModuleStopped: "Module shutdown",
	})

	g.connMu.Lock()
	conn := g.moduleConn
	g.moduleConn = nil
	g.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			g.logger.Warn("Error closing module client", zap.Error(err))
		}
	}
}

func (g *Gateway) connection() controlplane.Connection {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.moduleConn
}

func (g *Gateway) sendTelemetry(ctx context.Context, data map[string]interface{}) {
	conn := g.connection()
	if len(data) == 0 || conn == nil {
		return
	}
	if err := conn.SendTelemetry(ctx, data); err != nil {
		g.logger.Error("sendMeasurement failed", zap.Error(err))
		return
	}
	if g.debug.Load() {
		g.logger.Info("sendEvent", zap.Any("data", data))
	}
}

func (g *Gateway) updateReported(ctx context.Context, patch controlplane.Patch) {
	conn := g.connection()
	if len(patch) == 0 || conn == nil {
		return
	}
	if err := conn.UpdateReported(ctx, patch); err != nil {
		g.logger.Error("Error updating module properties", zap.Error(err))
	}
}

// onModuleProperties 网关只识别 wpDebugTelemetry
func (g *Gateway) onModuleProperties(patch controlplane.Patch) {
	defer g.readyOnce.Do(func() { close(g.ready) })
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Exception while handling desired properties", zap.Any("panic", r))
		}
	}()

	g.logger.Info("onHandleModuleProperties")

	reported := controlplane.Reconcile(patch, map[string]controlplane.PropertyRule{
		models.WpDebugTelemetry: func(v interface{}) interface{} {
			b := controlplane.BoolOr(v, false)
			g.setDebugTelemetry(b)
			return b
		},
	}, g.logger)

	g.updateReported(context.Background(), reported)
}

func (g *Gateway) setDebugTelemetry(on bool) {
	g.debug.Store(on)
	if g.opts.LogLevel == nil {
		return
	}
	if on {
		g.opts.LogLevel.SetLevel(zapcore.DebugLevel)
	} else {
		g.opts.LogLevel.SetLevel(g.baseLevel)
	}
}

// DebugTelemetry 当前 wpDebugTelemetry
func (g *Gateway) DebugTelemetry() bool {
	return g.debug.Load()
}

func (g *Gateway) onModuleClientError(err error) {
	g.logger.Error("Module client connection error", zap.Error(err))
	g.setHealth(models.HealthCritical)
}

func (g *Gateway) onModuleReady(ctx context.Context) {
	g.logger.Info("Module ready")

	props := controlplane.Patch{
		"osName":                runtime.GOOS,
		"processorArchitecture": runtime.GOARCH,
		"swVersion":             g.opts.Version,
	}
	if stats, err := g.opts.SystemStats(); err == nil {
		props["totalMemory"] = stats.TotalMemoryKB
	}
	g.updateReported(ctx, props)

	g.sendTelemetry(ctx, map[string]interface{}{
		models.StClientState:   models.StateConnected,
		models.StModuleState:   models.StateActive,
		models.EvModuleStarted: "Module initialization",
	})

	g.recreateExistingDevices(ctx)
}

func (g *Gateway) setHealth(h models.HealthState) {
	g.healthMu.Lock()
	g.health = h
	g.healthMu.Unlock()
}

// FleetHealth 健康快照
func (g *Gateway) FleetHealth() models.FleetHealth {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	return models.FleetHealth{
		State:       g.health,
		FailStreak:  g.failStreak,
		RetryLimit:  g.opts.HealthRetries,
		DeviceCount: g.DeviceCount(),
	}
}

// CheckHealth 外部触发的健康检查；连续降级达到阈值时重启模块
func (g *Gateway) CheckHealth(ctx context.Context) models.HealthState {
	g.healthMu.Lock()
	state := g.health
	g.healthMu.Unlock()

	if state == models.HealthGood {
		telemetry := map[string]interface{}{
			models.TlConnectedDevices: g.DeviceCount(),
		}
		stats, err := g.opts.SystemStats()
		if err != nil {
			g.logger.Warn("Unable to read system memory", zap.Error(err))
		} else {
			telemetry[models.TlFreeMemory] = stats.FreeMemoryKB
			if stats.FreeMemoryKB == 0 {
				state = models.HealthCritical
			}
		}
		telemetry[models.TlSystemHeartbeat] = int(state)
		g.sendTelemetry(ctx, telemetry)
	}

	for _, s := range g.sessions() {
		go g.sessionHealth(s)
	}

	g.healthMu.Lock()
	g.health = state
	restart := false
	if state < models.HealthGood {
		g.failStreak++
		g.logger.Warn("Health check warning",
			zap.String("state", state.String()),
			zap.Int("fail_streak", g.failStreak),
		)
		restart = g.failStreak >= g.opts.HealthRetries
	}
	streak := g.failStreak
	g.healthMu.Unlock()

	g.opts.Metrics.SetFleet(g.DeviceCount(), int(state), streak)

	if restart {
		g.logger.Warn("Health check too many warnings",
			zap.Error(fmt.Errorf("%w: %d consecutive checks below good", models.ErrHealthDegraded, streak)),
		)
		g.RestartModule(ctx, 0, "checkHealthState")
	}
	return state
}

// sessionHealth 单个会话健康检查，panic 不扩散
func (g *Gateway) sessionHealth(s *device.Session) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Device health check panicked", zap.String("device_id", s.ID()), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Health(ctx)
}

func (g *Gateway) sessions() []*device.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*device.Session, 0, len(g.devices))
	for _, s := range g.devices {
		out = append(out, s)
	}
	return out
}

// DeviceCount 当前设备数
func (g *Gateway) DeviceCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.devices)
}

// Session 按 ID 查找会话
func (g *Gateway) Session(deviceID string) (*device.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.devices[deviceID]
	return s, ok
}

// DeviceStatus 设备状态摘要
type DeviceStatus struct {
	models.CameraRecord
	State          string `json:"state"`
	PipelineActive bool   `json:"pipelineActive"`
}

// Devices 按设备 ID 排序的设备列表
func (g *Gateway) Devices() []DeviceStatus {
	sessions := g.sessions()
	out := make([]DeviceStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, DeviceStatus{
			CameraRecord:   s.Record(),
			State:          s.State().String(),
			PipelineActive: s.PipelineActive(),
		})
	}
	sortStatuses(out)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
