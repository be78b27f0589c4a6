// Package demux 将 ffmpeg image2pipe 输出的连续 JPEG 字节流切分为独立帧。
//
// 帧以 SOI (0xFFD8) 开始、以 EOI (0xFFD9) 结束（包含 EOI）。
// 从帧起点跳过固定字节数后才开始查找 EOI，避免把 JPEG 头部中的
// 0xFFD9 误判为帧尾。跳过距离始终按帧起点计算，因此输出与块边界无关。
package demux

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultSkip 查找 EOI 前从 SOI 起跳过的字节数
	DefaultSkip = 500
	// DefaultMaxFrameSize 单帧上限，超出则丢弃
	DefaultMaxFrameSize = 16 << 20
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// FrameHandler 帧回调，按发出顺序同步调用
type FrameHandler func(frame models.FrameBuffer)

// Options 解复用器参数
type Options struct {
	DeviceID     string
	Skip         int
	MaxFrameSize int
	Now          func() time.Time
	Metrics      *metrics.Metrics
}

// Demultiplexer 帧解复用器，实现 io.Writer
type Demultiplexer struct {
	mu      sync.Mutex
	opts    Options
	handler FrameHandler
	logger  *zap.Logger

	acc       []byte
	inFrame   bool
	pendingFF bool
	seq       uint64
}

// New 创建解复用器
func New(handler FrameHandler, logger *zap.Logger, opts Options) *Demultiplexer {
	if opts.Skip <= 0 {
		opts.Skip = DefaultSkip
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Demultiplexer{
		opts:    opts,
		handler: handler,
		logger:  logger,
	}
}

// Write 消费一个数据块。解析错误不会中断数据流，始终返回 len(p), nil
func (d *Demultiplexer) Write(p []byte) (n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Frame demultiplexer recovered from panic",
				zap.String("device_id", d.opts.DeviceID),
				zap.Error(fmt.Errorf("%w: %v", models.ErrDemuxParse, r)),
			)
			d.opts.Metrics.DemuxError(d.opts.DeviceID, "panic")
			d.reset()
			n, err = len(p), nil
		}
	}()

	chunk := p
	for len(chunk) > 0 {
		if d.inFrame {
			chunk = d.continueFrame(chunk)
		} else {
			chunk = d.seekFrame(chunk)
		}
	}
	return len(p), nil
}

// Frames 已发出的帧数
func (d *Demultiplexer) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// seekFrame 空闲状态：查找 SOI，返回未处理的剩余部分
func (d *Demultiplexer) seekFrame(chunk []byte) []byte {
	if d.pendingFF {
		d.pendingFF = false
		if chunk[0] == soi[1] {
			d.acc = append(d.acc[:0], soi...)
			d.inFrame = true
			return chunk[1:]
		}
	}

	s := bytes.Index(chunk, soi)
	if s < 0 {
		// SOI 之前的字节全部丢弃，只记住跨块的半个标记
		d.pendingFF = chunk[len(chunk)-1] == 0xFF
		return nil
	}

	if from := s + d.opts.Skip; from < len(chunk) {
		if e := bytes.Index(chunk[from:], eoi); e >= 0 {
			end := from + e + len(eoi)
			d.emit(chunk[s:end])
			return chunk[end:]
		}
	}

	d.inFrame = true
	d.acc = d.acc[:0]
	d.buffer(chunk[s:])
	return nil
}

// continueFrame 帧进行中：在新块中查找 EOI
func (d *Demultiplexer) continueFrame(chunk []byte) []byte {
	// EOI 跨块：上一块以 0xFF 结尾，本块以 0xD9 开头
	if n := len(d.acc); n > d.opts.Skip && d.acc[n-1] == 0xFF && chunk[0] == eoi[1] {
		d.acc = append(d.acc, chunk[0])
		d.emit(d.acc)
		d.finishFrame()
		return chunk[1:]
	}

	from := d.opts.Skip - len(d.acc)
	if from < 0 {
		from = 0
	}
	if from < len(chunk) {
		if e := bytes.Index(chunk[from:], eoi); e >= 0 {
			end := from + e + len(eoi)
			d.acc = append(d.acc, chunk[:end]...)
			d.emit(d.acc)
			d.finishFrame()
			return chunk[end:]
		}
	}

	d.buffer(chunk)
	return nil
}

// buffer 追加到累积缓冲区，超过上限时丢弃当前帧
func (d *Demultiplexer) buffer(b []byte) {
	if len(d.acc)+len(b) > d.opts.MaxFrameSize {
		d.logger.Warn("Dropping oversized frame",
			zap.String("device_id", d.opts.DeviceID),
			zap.Int("buffered", len(d.acc)+len(b)),
			zap.Int("max_frame_size", d.opts.MaxFrameSize),
		)
		d.opts.Metrics.DemuxError(d.opts.DeviceID, "oversize")
		d.reset()
		return
	}
	d.acc = append(d.acc, b...)
}

func (d *Demultiplexer) emit(b []byte) {
	data := make([]byte, len(b))
	copy(data, b)
	d.seq++

	frame := models.FrameBuffer{
		DeviceID:  d.opts.DeviceID,
		Seq:       d.seq,
		Timestamp: d.opts.Now(),
		Data:      data,
	}
	d.opts.Metrics.FrameEmitted(d.opts.DeviceID, len(data))

	if d.handler != nil {
		d.handler(frame)
	}
}

func (d *Demultiplexer) finishFrame() {
	d.inFrame = false
	d.acc = d.acc[:0]
}

func (d *Demultiplexer) reset() {
	d.inFrame = false
	d.pendingFF = false
	d.acc = nil
}
