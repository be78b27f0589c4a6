// Package controlplane 设备/模块与云端之间的控制面连接：遥测、属性同步与命令。
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"onvif-camera-gateway/internal/models"
)

// Patch 属性补丁（desired 或 reported）
type Patch map[string]interface{}

// Responder 命令响应，每个请求只能成功发送一次
type Responder interface {
	Send(resp models.CommandResponse) error
}

// CommandHandler 命令处理函数
type CommandHandler func(ctx context.Context, req CommandRequest, resp Responder)

// Handlers 连接建立前注册的回调
type Handlers struct {
	// Desired 同一连接上串行调用；第一次调用携带完整的 desired 文档（可能为空）
	Desired  func(patch Patch)
	Error    func(err error)
	Commands map[string]CommandHandler
}

// Descriptor 连接描述
type Descriptor struct {
	// Host 分配到的 hub 主机名
	Host     string
	DeviceID string
	ModuleID string
	// Key 设备对称密钥（base64），用于生成 SAS 令牌
	Key string
	// 以下字段非空时覆盖默认推导
	Broker   string
	Username string
	Password string
}

// ClientID MQTT client id
func (d Descriptor) ClientID() string {
	if d.ModuleID != "" {
		return d.DeviceID + "/" + d.ModuleID
	}
	return d.DeviceID
}

// Connection 控制面连接，独占使用
type Connection interface {
	SendTelemetry(ctx context.Context, data map[string]interface{}) error
	UpdateReported(ctx context.Context, patch Patch) error
	Close() error
}

// Dialer 打开连接
type Dialer interface {
	Dial(ctx context.Context, desc Descriptor, handlers Handlers) (Connection, error)
}

// CommandRequest 命令请求
type CommandRequest struct {
	Name    string
	Payload json.RawMessage
}

// Params 将负载解析为对象，非对象时返回空 map
func (r CommandRequest) Params() map[string]interface{} {
	params := map[string]interface{}{}
	if len(r.Payload) == 0 {
		return params
	}
	if err := json.Unmarshal(r.Payload, &params); err != nil || params == nil {
		return map[string]interface{}{}
	}
	return params
}

// String 读取字符串参数，数字按十进制格式化
func (r CommandRequest) String(key string) string {
	switch v := r.Params()[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int 读取整数参数，缺失或无法解析时返回 def
func (r CommandRequest) Int(key string, def int) int {
	switch v := r.Params()[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// NewCommandRequest 便于测试和本地调试构造请求
func NewCommandRequest(name string, payload interface{}) (CommandRequest, error) {
	if payload == nil {
		return CommandRequest{Name: name}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return CommandRequest{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return CommandRequest{Name: name, Payload: raw}, nil
}
