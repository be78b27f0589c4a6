// Package device 单个摄像头的控制面会话：连接、属性同步、设备命令与帧管道
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"
	"onvif-camera-gateway/internal/stream"

	"go.uber.org/zap"
)

// State 会话状态
type State int

const (
	StateProvisioning State = iota
	StateConnecting
	StateAwaitingSync
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSync:
		return "awaiting_sync"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pipeline 帧管道（stream.Pipeline 实现）
type Pipeline interface {
	Start(sourceURI string, intervalSeconds int) error
	Stop()
	Health() models.HealthState
	Running() bool
}

// PipelineFactory 按当前设置创建帧管道
type PipelineFactory func(deviceID string, settings models.DeviceSettings, observer stream.Observer) Pipeline

// Uploader 对象存储上传
type Uploader interface {
	Upload(ctx context.Context, blobName string, data []byte, contentType string) (string, error)
}

// SettingsStore 推理参数镜像
type SettingsStore interface {
	Save(ctx context.Context, deviceID string, settings models.DeviceSettings) error
}

// FrameCounter 已投递给推理端的帧数
type FrameCounter interface {
	Published(deviceID string) uint64
}

// Options 会话依赖
type Options struct {
	Record             models.CameraRecord
	PeripheralModuleID string
	Invoker            peripheral.Invoker
	Uploader           Uploader
	Pipelines          PipelineFactory
	Settings           SettingsStore
	Counter            FrameCounter
	Defaults           models.DeviceSettings
	// ReadyTimeout > 0 时限制等待首次 desired 同步的时间
	ReadyTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Session 设备会话
type Session struct {
	opts   Options
	rec    models.CameraRecord
	logger *zap.Logger
	rules  map[string]controlplane.PropertyRule

	mu       sync.Mutex
	state    State
	conn     controlplane.Connection
	health   models.HealthState
	settings models.DeviceSettings
	rtspURI  string

	// pipeMu 串行化管道的停止与启动
	pipeMu   sync.Mutex
	pipeline Pipeline

	ready     chan struct{}
	readyOnce sync.Once
	attached  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession 创建会话
func NewSession(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		opts:     opts,
		rec:      opts.Record,
		logger:   opts.Logger.With(zap.String("device_id", opts.Record.DeviceID)),
		state:    StateProvisioning,
		health:   models.HealthGood,
		settings: opts.Defaults,
		ready:    make(chan struct{}),
		attached: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.rules = s.settingRules()
	return s
}

// ID 设备 ID
func (s *Session) ID() string {
	return s.rec.DeviceID
}

// Record 摄像头记录
func (s *Session) Record() models.CameraRecord {
	return s.rec
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings 当前设置副本
func (s *Session) Settings() models.DeviceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.settings
	out.DetectionClasses = append([]string(nil), s.settings.DetectionClasses...)
	return out
}

// DebugTelemetry 是否输出遥测调试日志
func (s *Session) DebugTelemetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.DebugTelemetry
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) connection() controlplane.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect 打开控制面连接，等待首次 desired 同步后完成设备初始化
func (s *Session) Connect(ctx context.Context, dialer controlplane.Dialer, desc controlplane.Descriptor) models.ConnectResult {
	s.setState(StateConnecting)

	conn, err := dialer.Dial(ctx, desc, controlplane.Handlers{
		Desired: s.onDesiredPropertiesChanged,
		Error:   s.onConnectionError,
		Commands: map[string]controlplane.CommandHandler{
			models.CmdStartImageProcessing: s.handleStartImageProcessing,
			models.CmdStopImageProcessing:  s.handleStopImageProcessing,
			models.CmdCaptureImage:         s.handleCaptureImage,
			models.CmdRestartCamera:        s.handleRestartCamera,
		},
	})
	if err != nil {
		close(s.attached)
		s.setState(StateError)
		msg := fmt.Sprintf("IoT Central connection error: %v", err)
		s.logger.Error("Device client connection failed", zap.Error(err))
		return models.ConnectResult{OK: false, Message: msg}
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateAwaitingSync
	s.mu.Unlock()
	close(s.attached)

	s.logger.Info("Device client connected, waiting for initial property sync")

	if err := s.awaitInitialSync(ctx); err != nil {
		s.logger.Error("Device did not complete initial property sync", zap.Error(err))
		s.discardConnection()
		s.setState(StateError)
		return models.ConnectResult{OK: false, Message: fmt.Sprintf("An error occurred while trying to connect device %s: %v", s.ID(), err)}
	}

	s.deviceReady(ctx)

	s.mu.Lock()
	if s.state == StateAwaitingSync {
		s.state = StateReady
	}
	s.mu.Unlock()

	return models.ConnectResult{
		OK:      true,
		Message: fmt.Sprintf("Successfully connected to IoT Central - device: %s", s.ID()),
	}
}

func (s *Session) awaitInitialSync(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.opts.ReadyTimeout > 0 {
		timer := time.NewTimer(s.opts.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.ready:
		return nil
	case <-s.closed:
		return fmt.Errorf("%w: session closed", models.ErrConnection)
	case <-timeout:
		return fmt.Errorf("%w: no desired properties within %s", models.ErrConnection, s.opts.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) resolveGate() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// deviceReady 上报设备信息并发送启动事件
func (s *Session) deviceReady(ctx context.Context) {
	s.logger.Info("Device ready")

	props := controlplane.Patch{}

	res, err := s.invoke(ctx, models.RPCGetDeviceInformation, peripheral.NewCameraRequest(s.rec, false))
	if err != nil {
		s.logger.Error("Error while reading device information", zap.Error(err))
	} else {
		var info peripheral.DeviceInformation
		if err := res.Decode(&info); err != nil {
			s.logger.Error("Invalid device information payload", zap.Error(err))
		} else {
			props[models.RpManufacturer] = info.Manufacturer
			props[models.RpModel] = info.Model
			props[models.RpFirmwareVersion] = info.Firmware
			props[models.RpHardwareID] = info.HardwareID
			props[models.RpSerialNumber] = info.SerialNumber
		}
	}

	props[models.RpDeviceName] = s.rec.Name
	props[models.RpIPAddress] = s.rec.IPAddress
	props[models.RpOnvifUsername] = s.rec.OnvifUsername
	props[models.RpMediaProfileToken] = s.rec.MediaProfileToken
	s.updateReported(ctx, props)

	s.sendTelemetry(ctx, map[string]interface{}{
		models.StClientState:   models.StateConnected,
		models.StDeviceState:   models.StateActive,
		models.EvDeviceStarted: "Device initialization",
	})
}

func (s *Session) invoke(ctx context.Context, method string, params interface{}) (peripheral.Result, error) {
	if s.opts.Invoker == nil {
		return peripheral.Result{}, fmt.Errorf("%w: no peripheral invoker", models.ErrRPC)
	}
	return s.opts.Invoker.Invoke(ctx, s.opts.PeripheralModuleID, method, params)
}

// sendTelemetry 连接不可用时静默丢弃
func (s *Session) sendTelemetry(ctx context.Context, data map[string]interface{}) {
	conn := s.connection()
	if len(data) == 0 || conn == nil {
		return
	}
	if err := conn.SendTelemetry(ctx, data); err != nil {
		s.logger.Error("sendMeasurement failed", zap.Error(err))
		return
	}
	if s.DebugTelemetry() {
		s.logger.Info("sendEvent", zap.Any("data", data))
	}
}

func (s *Session) updateReported(ctx context.Context, patch controlplane.Patch) {
	conn := s.connection()
	if len(patch) == 0 || conn == nil {
		return
	}
	if err := conn.UpdateReported(ctx, patch); err != nil {
		s.logger.Error("Error updating device properties", zap.Error(err))
		return
	}
	if s.DebugTelemetry() {
		s.logger.Info("Device properties updated", zap.Any("properties", patch))
	}
}

// onConnectionError 连接错误：健康置为 Critical，丢弃连接，不重连
func (s *Session) onConnectionError(err error) {
	s.logger.Error("Device client connection error", zap.Error(err))
	s.mu.Lock()
	s.health = models.HealthCritical
	if s.state != StateClosed {
		s.state = StateError
	}
	s.mu.Unlock()
	s.discardConnection()
}

func (s *Session) discardConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("Error closing device client", zap.Error(err))
		}
	}
}

// Health 返回会话健康并发送心跳
func (s *Session) Health(ctx context.Context) models.HealthState {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()

	s.pipeMu.Lock()
	if h == models.HealthGood && s.pipeline != nil {
		h = s.pipeline.Health()
	}
	s.pipeMu.Unlock()

	data := map[string]interface{}{
		models.TlSystemHeartbeat: int(h),
	}
	if s.opts.Counter != nil {
		data[models.TlInferenceCount] = s.opts.Counter.Published(s.ID())
	}
	s.sendTelemetry(ctx, data)

	return h
}

// Close 停止管道，上报 inactive，关闭连接
func (s *Session) Close(ctx context.Context) {
	s.logger.Info("Deleting device instance")

	s.closeOnce.Do(func() { close(s.closed) })
	s.stopPipeline()

	s.sendTelemetry(ctx, map[string]interface{}{
		models.StDeviceState:   models.StateInactive,
		models.EvDeviceStopped: "Device deleted",
	})
	s.discardConnection()
	s.setState(StateClosed)
}

func (s *Session) stopPipeline() {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	s.stopPipelineLocked()
}

func (s *Session) stopPipelineLocked() {
	if s.pipeline == nil {
		return
	}
	s.pipeline.Stop()
	s.pipeline = nil
}

// PipelineActive 是否有运行中的帧管道
func (s *Session) PipelineActive() bool {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	return s.pipeline != nil && s.pipeline.Running()
}

// StreamStarted 实现 stream.Observer
func (s *Session) StreamStarted() {
	s.sendTelemetry(context.Background(), map[string]interface{}{
		models.EvStreamStarted: s.ID(),
	})
}

// StreamStopped 实现 stream.Observer
func (s *Session) StreamStopped(exitCode int, signal string) {
	s.sendTelemetry(context.Background(), map[string]interface{}{
		models.EvStreamStopped: fmt.Sprintf("code: %d, signal: %s", exitCode, signal),
	})
}

// StreamError 实现 stream.Observer
func (s *Session) StreamError(err error) {
	s.sendTelemetry(context.Background(), map[string]interface{}{
		models.EvStreamError: err.Error(),
	})
}
