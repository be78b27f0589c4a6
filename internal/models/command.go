package models

import "net/http"

// CommandResponse 命令响应信封
type CommandResponse struct {
	StatusCode int         `json:"CommandResponseParams_StatusCode"`
	Message    string      `json:"CommandResponseParams_Message"`
	Data       interface{} `json:"CommandResponseParams_Data"`
}

// NewCommandResponse 构造响应
func NewCommandResponse(status int, message string, data interface{}) CommandResponse {
	if data == nil {
		data = ""
	}
	return CommandResponse{StatusCode: status, Message: message, Data: data}
}

// OK 200 响应
func OK(message string, data interface{}) CommandResponse {
	return NewCommandResponse(http.StatusOK, message, data)
}

// BadRequest 400 响应
func BadRequest(message string) CommandResponse {
	return NewCommandResponse(http.StatusBadRequest, message, nil)
}

// Conflict 409 响应（状态不允许执行该命令）
func Conflict(message string) CommandResponse {
	return NewCommandResponse(http.StatusConflict, message, nil)
}

// Failed 500 响应
func Failed(message string) CommandResponse {
	return NewCommandResponse(http.StatusInternalServerError, message, nil)
}

// ConnectResult 连接结果
type ConnectResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ProvisionResult 新增摄像头的结果
type ProvisionResult struct {
	ProvisionStatus         bool   `json:"provisionStatus"`
	ProvisionMessage        string `json:"provisionMessage"`
	AssignedHub             string `json:"assignedHub,omitempty"`
	ClientConnectionStatus  bool   `json:"clientConnectionStatus"`
	ClientConnectionMessage string `json:"clientConnectionMessage"`
}

// Message 优先返回连接消息，其次是注册消息
func (r ProvisionResult) Message() string {
	if r.ClientConnectionMessage != "" {
		return r.ClientConnectionMessage
	}
	return r.ProvisionMessage
}

// Succeeded 注册与连接均成功
func (r ProvisionResult) Succeeded() bool {
	return r.ProvisionStatus && r.ClientConnectionStatus
}
