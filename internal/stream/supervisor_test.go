package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"onvif-camera-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeObserver struct {
	mu       sync.Mutex
	started  int
	stopped  int
	signal   string
	exitCode int
	errs     []error
}

func (f *fakeObserver) StreamStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeObserver) StreamStopped(code int, signal string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.exitCode = code
	f.signal = signal
}

func (f *fakeObserver) StreamError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeObserver) snapshot() (int, int, int, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, f.exitCode, append([]error(nil), f.errs...)
}

type frameSink struct {
	mu     sync.Mutex
	frames []models.FrameBuffer
}

func (f *frameSink) OnFrame(_ context.Context, frame models.FrameBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *frameSink) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.Seq
	}
	return out
}

func (f *frameSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func jpeg(bodyLen int, seed byte) []byte {
	b := []byte{0xFF, 0xD8}
	for i := 0; i < bodyLen; i++ {
		b = append(b, byte((int(seed)+i)%200))
	}
	return append(b, 0xFF, 0xD9)
}

func shellConfig(script string) SupervisorConfig {
	return SupervisorConfig{
		Command:     "sh",
		StopPoll:    50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		ArgsBuilder: func(string, int) []string { return []string{"-c", script} },
	}
}

func TestPipeline_FramesFromProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.mjpeg")
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, jpeg(800, byte(i))...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	obs := &fakeObserver{}
	sink := &frameSink{}
	p := NewPipeline("cam-1", PipelineConfig{Supervisor: shellConfig("cat " + path)}, sink, obs, zap.NewNop(), nil)

	require.NoError(t, p.Start("rtsp://camera/stream", 1))

	require.Eventually(t, func() bool { return sink.count() == 3 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return !p.Running() }, 5*time.Second, 20*time.Millisecond)
	p.Stop()

	started, stopped, code, errs := obs.snapshot()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, code)
	assert.Empty(t, errs)
	// 非主动停止的退出降级为 Warning
	assert.Equal(t, models.HealthWarning, p.Health())
	assert.Equal(t, models.HealthWarning, p.Health())
}

func TestSupervisor_StartFailure(t *testing.T) {
	obs := &fakeObserver{}
	s := NewSupervisor(SupervisorConfig{Command: "/nonexistent/ffmpeg-binary"}, "cam-1", obs, zap.NewNop(), nil)

	err := s.Start(&frameWriter{}, "rtsp://camera/stream", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrProcess))
	assert.Equal(t, models.HealthCritical, s.Health())
	assert.False(t, s.Running())

	started, _, _, errs := obs.snapshot()
	assert.Equal(t, 0, started)
	assert.Len(t, errs, 1)
}

func TestSupervisor_StopRequestedKeepsHealth(t *testing.T) {
	obs := &fakeObserver{}
	s := NewSupervisor(shellConfig("exec sleep 30"), "cam-1", obs, zap.NewNop(), nil)

	require.NoError(t, s.Start(&frameWriter{}, "rtsp://camera/stream", 1))
	assert.True(t, s.Running())

	begin := time.Now()
	s.Stop()
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.False(t, s.Running())

	require.Eventually(t, func() bool {
		_, stopped, _, _ := obs.snapshot()
		return stopped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.HealthGood, s.Health())
	assert.Equal(t, "terminated", obs.signal)
}

func TestSupervisor_StopWithoutProcess(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{}, "cam-1", nil, zap.NewNop(), nil)
	assert.NotPanics(t, s.Stop)
	assert.Equal(t, models.HealthGood, s.Health())
}

func TestPipeline_EmptySource(t *testing.T) {
	p := NewPipeline("cam-1", PipelineConfig{}, nil, nil, zap.NewNop(), nil)
	err := p.Start("", 1)
	assert.ErrorIs(t, err, models.ErrProcess)
	assert.False(t, p.Running())
}

func TestPipeline_DeliversInEmissionOrder(t *testing.T) {
	const frames = 2000
	var chunk []byte
	for i := 0; i < frames; i++ {
		chunk = append(chunk, jpeg(600, byte(i))...)
	}

	sink := &frameSink{}
	p := NewPipeline("cam-1", PipelineConfig{QueueSize: frames}, sink, nil, zap.NewNop(), nil)
	defer p.Stop()

	n, err := p.demux.Write(chunk)
	require.NoError(t, err)
	require.Equal(t, len(chunk), n)

	require.Eventually(t, func() bool { return sink.count() == frames }, 5*time.Second, 10*time.Millisecond)
	seqs := sink.seqs()
	for i := 1; i < len(seqs); i++ {
		require.Less(t, seqs[i-1], seqs[i], "frame %d delivered out of order", i)
	}
}

type panickySink struct {
	frameSink
}

func (f *panickySink) OnFrame(ctx context.Context, frame models.FrameBuffer) error {
	if frame.Seq == 1 {
		panic("consumer bug")
	}
	return f.frameSink.OnFrame(ctx, frame)
}

func TestPipeline_ConsumerPanicDoesNotStopDelivery(t *testing.T) {
	sink := &panickySink{}
	p := NewPipeline("cam-1", PipelineConfig{}, sink, nil, zap.NewNop(), nil)
	defer p.Stop()

	var chunk []byte
	for i := 0; i < 3; i++ {
		chunk = append(chunk, jpeg(600, byte(i))...)
	}
	_, err := p.demux.Write(chunk)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2, 3}, sink.seqs())
}

func TestPipeline_DispatchAfterStopDoesNotBlock(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline("cam-1", PipelineConfig{QueueSize: 1}, sink, nil, zap.NewNop(), nil)
	p.Stop()
	p.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.dispatch(models.FrameBuffer{Seq: uint64(i + 1)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked after Stop")
	}
}

func TestSupervisor_StopKillsDecoderIgnoringTerm(t *testing.T) {
	obs := &fakeObserver{}
	cfg := SupervisorConfig{
		Command:     "sh",
		StopPoll:    50 * time.Millisecond,
		StopTimeout: 300 * time.Millisecond,
		ArgsBuilder: func(string, int) []string {
			return []string{"-c", "trap '' TERM; while :; do :; done"}
		},
	}
	s := NewSupervisor(cfg, "cam-1", obs, zap.NewNop(), nil)

	require.NoError(t, s.Start(&frameWriter{}, "rtsp://camera/stream", 1))
	// 等待 shell 安装 trap
	time.Sleep(100 * time.Millisecond)
	require.True(t, s.Running())

	begin := time.Now()
	s.Stop()
	elapsed := time.Since(begin)

	assert.GreaterOrEqual(t, elapsed, cfg.StopTimeout)
	assert.Less(t, elapsed, cfg.StopTimeout+cfg.StopPoll+time.Second)

	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, stopped, _, _ := obs.snapshot()
		return stopped == 1
	}, 2*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	assert.Equal(t, "killed", obs.signal)
	obs.mu.Unlock()
	assert.Equal(t, models.HealthGood, s.Health())
}

type frameWriter struct{}

func (frameWriter) Write(p []byte) (int, error) { return len(p), nil }
