package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onvif-camera-gateway/internal/demux"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// FrameConsumer 推理消费端
type FrameConsumer interface {
	OnFrame(ctx context.Context, frame models.FrameBuffer) error
}

// PipelineConfig 帧管道参数
type PipelineConfig struct {
	Supervisor   SupervisorConfig
	MaxFrameSize int
	// FrameTimeout 单帧投递超时（wpInferenceTimeout）
	FrameTimeout time.Duration
	// QueueSize 待投递帧队列长度，满时丢弃新帧
	QueueSize int
}

const defaultQueueSize = 64

// Pipeline 一个解码进程 + 一个解复用器
type Pipeline struct {
	deviceID string
	cfg      PipelineConfig
	consumer FrameConsumer
	logger   *zap.Logger

	sup   *Supervisor
	demux *demux.Demultiplexer

	// 单个投递协程按发出顺序调用消费端
	queue    chan models.FrameBuffer
	quit     chan struct{}
	quitOnce sync.Once
}

// NewPipeline 创建帧管道
func NewPipeline(deviceID string, cfg PipelineConfig, consumer FrameConsumer, observer Observer, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		deviceID: deviceID,
		cfg:      cfg,
		consumer: consumer,
		logger:   logger.With(zap.String("device_id", deviceID)),
	}
	p.demux = demux.New(p.dispatch, p.logger, demux.Options{
		DeviceID:     deviceID,
		MaxFrameSize: cfg.MaxFrameSize,
		Metrics:      m,
	})
	p.sup = NewSupervisor(cfg.Supervisor, deviceID, observer, logger, m)

	if consumer != nil {
		size := cfg.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		p.queue = make(chan models.FrameBuffer, size)
		p.quit = make(chan struct{})
		go p.deliverLoop()
	}
	return p
}

// Start 启动解码并开始分帧
func (p *Pipeline) Start(sourceURI string, intervalSeconds int) error {
	if sourceURI == "" {
		return fmt.Errorf("%w: empty video source", models.ErrProcess)
	}
	return p.sup.Start(p.demux, sourceURI, intervalSeconds)
}

// Stop 停止解码进程和投递协程，队列中未投递的帧被丢弃
func (p *Pipeline) Stop() {
	p.sup.Stop()
	if p.quit != nil {
		p.quitOnce.Do(func() { close(p.quit) })
	}
}

// Health 解码进程健康
func (p *Pipeline) Health() models.HealthState {
	return p.sup.Health()
}

// Running 解码进程是否在运行
func (p *Pipeline) Running() bool {
	return p.sup.Running()
}

// dispatch 不等待消费端：入队即返回，队列满时丢弃该帧
func (p *Pipeline) dispatch(frame models.FrameBuffer) {
	if p.queue == nil {
		return
	}
	select {
	case <-p.quit:
	case p.queue <- frame:
	default:
		p.logger.Warn("Frame queue full, dropping frame", zap.Uint64("seq", frame.Seq))
	}
}

func (p *Pipeline) deliverLoop() {
	for {
		select {
		case <-p.quit:
			return
		case frame := <-p.queue:
			p.deliver(frame)
		}
	}
}

// deliver 消费端 panic 不影响后续帧
func (p *Pipeline) deliver(frame models.FrameBuffer) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Frame consumer panicked", zap.Any("panic", r), zap.Uint64("seq", frame.Seq))
		}
	}()

	ctx := context.Background()
	if p.cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FrameTimeout)
		defer cancel()
	}
	if err := p.consumer.OnFrame(ctx, frame); err != nil {
		p.logger.Warn("Frame consumer failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
	}
}
