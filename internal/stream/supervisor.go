package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// Observer 解码进程生命周期通知
type Observer interface {
	StreamStarted()
	StreamStopped(exitCode int, signal string)
	StreamError(err error)
}

// SupervisorConfig 解码进程参数
type SupervisorConfig struct {
	Command     string
	StopPoll    time.Duration
	StopTimeout time.Duration
	GOOS        string
	// ArgsBuilder 为空时使用 BuildArgs
	ArgsBuilder func(source string, intervalSeconds int) []string
}

// Supervisor 管理单个 ffmpeg 进程
type Supervisor struct {
	cfg      SupervisorConfig
	deviceID string
	observer Observer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	health   models.HealthState
}

// NewSupervisor 创建进程监管器
func NewSupervisor(cfg SupervisorConfig, deviceID string, observer Observer, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.StopPoll <= 0 {
		cfg.StopPoll = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.ArgsBuilder == nil {
		goos := cfg.GOOS
		cfg.ArgsBuilder = func(source string, interval int) []string {
			return BuildArgs(source, interval, goos)
		}
	}
	return &Supervisor{
		cfg:      cfg,
		deviceID: deviceID,
		observer: observer,
		logger:   logger.With(zap.String("device_id", deviceID)),
		metrics:  m,
		health:   models.HealthGood,
	}
}

// Start 启动解码进程，stdout 写入 sink。失败时不会留下运行中的进程
func (s *Supervisor) Start(sink io.Writer, source string, intervalSeconds int) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: decoder already running", models.ErrProcess)
	}

	args := s.cfg.ArgsBuilder(source, intervalSeconds)
	cmd := exec.Command(s.cfg.Command, args...)
	// stdin/stderr 不接入
	cmd.Stdin = nil
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		s.health = models.HealthCritical
		s.mu.Unlock()

		err = fmt.Errorf("%w: failed to start %s: %v", models.ErrProcess, s.cfg.Command, err)
		s.logger.Error("Error starting decoder process", zap.Error(err))
		s.notifyError(err)
		return err
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("Decoder process started",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("interval_seconds", intervalSeconds),
	)

	go s.wait(cmd, stdout, sink, done)

	if s.observer != nil {
		s.observer.StreamStarted()
	}
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, stdout io.Reader, sink io.Writer, done chan struct{}) {
	// 必须先读完 stdout 再 Wait
	_, copyErr := io.Copy(sink, stdout)
	waitErr := cmd.Wait()

	exitCode, signal := exitStatus(cmd.ProcessState)

	s.mu.Lock()
	requested := s.stopping
	if s.cmd == cmd {
		s.cmd = nil
	}
	if copyErr != nil {
		s.health = models.HealthCritical
	} else if !requested {
		s.health = models.HealthWarning
	}
	close(done)
	s.mu.Unlock()

	s.metrics.DecoderExited(s.deviceID, requested)

	if copyErr != nil {
		err := fmt.Errorf("%w: reading decoder output: %v", models.ErrProcess, copyErr)
		s.logger.Error("Error on decoder process", zap.Error(err))
		s.notifyError(err)
	}

	s.logger.Info("Decoder process exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal),
		zap.Bool("requested", requested),
		zap.NamedError("wait_error", waitErr),
	)
	if s.observer != nil {
		s.observer.StreamStopped(exitCode, signal)
	}
}

// Stop 发送终止信号，每 StopPoll 检查一次，最多等待 StopTimeout。
// 尽力而为，超时后强制结束并返回
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	if cmd == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.mu.Lock()
		s.health = models.HealthCritical
		s.mu.Unlock()

		err = fmt.Errorf("%w: failed to signal decoder: %v", models.ErrProcess, err)
		s.logger.Error("Error stopping decoder process", zap.Error(err))
		s.notifyError(err)
	}

	ticker := time.NewTicker(s.cfg.StopPoll)
	defer ticker.Stop()
	deadline := time.Now().Add(s.cfg.StopTimeout)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.Running() {
				return
			}
			if time.Now().After(deadline) {
				s.logger.Warn("Decoder did not exit in time, killing", zap.Duration("timeout", s.cfg.StopTimeout))
				_ = cmd.Process.Kill()
				return
			}
		}
	}
}

// Running 进程是否仍在运行
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Health 返回最近一次设置的健康状态，读取不会重置
func (s *Supervisor) Health() models.HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Supervisor) notifyError(err error) {
	if s.observer != nil {
		s.observer.StreamError(err)
	}
}

func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ps.ExitCode(), ws.Signal().String()
	}
	return ps.ExitCode(), ""
}
