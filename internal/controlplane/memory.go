package controlplane

import (
	"context"
	"fmt"
	"sync"

	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// MemoryHub 进程内控制面，用于 LOCAL_DEBUG 和测试
type MemoryHub struct {
	// AutoSync 为 true 时 Dial 后异步投递初始 desired（未设置时为空补丁）
	AutoSync bool

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*MemoryConnection
	initial  map[string]Patch
	dialErrs map[string]error
}

// NewMemoryHub 创建进程内控制面
func NewMemoryHub(autoSync bool, logger *zap.Logger, m *metrics.Metrics) *MemoryHub {
	return &MemoryHub{
		AutoSync: autoSync,
		logger:   logger,
		metrics:  m,
		conns:    make(map[string]*MemoryConnection),
		initial:  make(map[string]Patch),
		dialErrs: make(map[string]error),
	}
}

// SetInitialDesired 设置 clientID 对应的初始 desired 文档
func (h *MemoryHub) SetInitialDesired(clientID string, p Patch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initial[clientID] = p
}

// FailDial 让下一次对 clientID 的 Dial 失败
func (h *MemoryHub) FailDial(clientID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErrs[clientID] = err
}

// Dial 实现 Dialer
func (h *MemoryHub) Dial(_ context.Context, desc Descriptor, handlers Handlers) (Connection, error) {
	id := desc.ClientID()

	h.mu.Lock()
	if err, ok := h.dialErrs[id]; ok {
		delete(h.dialErrs, id)
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", models.ErrConnection, err)
	}
	c := &MemoryConnection{
		id:       id,
		handlers: handlers,
		logger:   h.logger.With(zap.String("client_id", id)),
		metrics:  h.metrics,
		reported: Patch{},
	}
	h.conns[id] = c
	initial := h.initial[id]
	h.mu.Unlock()

	if h.AutoSync {
		if initial == nil {
			initial = Patch{}
		}
		go c.PushDesired(initial)
	}
	return c, nil
}

// Connection 返回 clientID 最近一次建立的连接
func (h *MemoryHub) Connection(clientID string) *MemoryConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[clientID]
}

// MemoryConnection 进程内连接
type MemoryConnection struct {
	id       string
	handlers Handlers
	logger   *zap.Logger
	metrics  *metrics.Metrics

	desiredMu sync.Mutex

	mu        sync.Mutex
	telemetry []map[string]interface{}
	reported  Patch
	closed    bool
}

func (c *MemoryConnection) SendTelemetry(_ context.Context, data map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", models.ErrConnection)
	}
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	c.telemetry = append(c.telemetry, cp)
	c.logger.Debug("Telemetry sent", zap.Any("data", data))
	return nil
}

func (c *MemoryConnection) UpdateReported(_ context.Context, patch Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", models.ErrConnection)
	}
	for k, v := range patch {
		c.reported[k] = v
	}
	return nil
}

func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// PushDesired 同步投递 desired 补丁（串行）
func (c *MemoryConnection) PushDesired(p Patch) {
	c.desiredMu.Lock()
	defer c.desiredMu.Unlock()
	if c.handlers.Desired != nil {
		c.handlers.Desired(p)
	}
}

// Invoke 调用命令并等待第一个响应
func (c *MemoryConnection) Invoke(ctx context.Context, name string, payload interface{}) (models.CommandResponse, error) {
	handler, ok := c.handlers.Commands[name]
	if !ok {
		return models.CommandResponse{}, fmt.Errorf("%w: command %s", models.ErrNotFound, name)
	}
	req, err := NewCommandRequest(name, payload)
	if err != nil {
		return models.CommandResponse{}, err
	}

	ch := make(chan models.CommandResponse, 1)
	go Dispatch(ctx, c.logger, c.metrics, req, handler, func(resp models.CommandResponse) error {
		ch <- resp
		return nil
	})

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return models.CommandResponse{}, ctx.Err()
	}
}

// Fail 模拟连接错误
func (c *MemoryConnection) Fail(err error) {
	if c.handlers.Error != nil {
		c.handlers.Error(fmt.Errorf("%w: %v", models.ErrConnection, err))
	}
}

// Telemetry 已发送遥测的副本
func (c *MemoryConnection) Telemetry() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.telemetry...)
}

// TelemetryValues 返回包含 key 的遥测值
func (c *MemoryConnection) TelemetryValues(key string) []interface{} {
	var out []interface{}
	for _, t := range c.Telemetry() {
		if v, ok := t[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Reported 合并后的 reported 属性副本
func (c *MemoryConnection) Reported() Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Patch{}
	for k, v := range c.reported {
		out[k] = v
	}
	return out
}

// Closed 是否已关闭
func (c *MemoryConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
