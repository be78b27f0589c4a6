package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// ErrAlreadyResponded 重复发送响应
var ErrAlreadyResponded = errors.New("command response already sent")

type onceResponder struct {
	name    string
	send    func(models.CommandResponse) error
	metrics *metrics.Metrics

	mu   sync.Mutex
	sent bool
}

func (r *onceResponder) Send(resp models.CommandResponse) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return ErrAlreadyResponded
	}
	r.sent = true
	r.mu.Unlock()

	r.metrics.CommandHandled(r.name, resp.StatusCode)
	return r.send(resp)
}

func (r *onceResponder) responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Dispatch 调用命令处理函数，保证恰好发送一次响应：
// 处理函数 panic 或未响应时补发 500
func Dispatch(ctx context.Context, logger *zap.Logger, m *metrics.Metrics, req CommandRequest, h CommandHandler, send func(models.CommandResponse) error) {
	r := &onceResponder{name: req.Name, send: send, metrics: m}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Command handler panicked", zap.String("command", req.Name), zap.Any("panic", p))
			if !r.responded() {
				if err := r.Send(models.Failed(fmt.Sprintf("Error while handling %s", req.Name))); err != nil {
					logger.Error("Failed to send command response", zap.String("command", req.Name), zap.Error(err))
				}
			}
			return
		}
		if !r.responded() {
			logger.Warn("Command handler returned without a response", zap.String("command", req.Name))
			if err := r.Send(models.Failed(fmt.Sprintf("No response from %s", req.Name))); err != nil {
				logger.Error("Failed to send command response", zap.String("command", req.Name), zap.Error(err))
			}
		}
	}()

	h(ctx, req, r)
}
