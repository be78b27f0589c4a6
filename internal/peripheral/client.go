// Package peripheral 调用 ONVIF 外设模块的直接方法
package peripheral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"onvif-camera-gateway/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const methodsAPIVersion = "2021-04-12"

// Config RPC 客户端参数
type Config struct {
	BaseURL  string
	DeviceID string
	// SASToken 非空时作为 Authorization 头
	SASToken        string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Result RPC 结果
type Result struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

// Decode 将负载解码到 v
func (r Result) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", models.ErrRPC)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", models.ErrRPC, err)
	}
	return nil
}

type methodRequest struct {
	MethodName               string      `json:"methodName"`
	Payload                  interface{} `json:"payload"`
	ConnectTimeoutInSeconds  int         `json:"connectTimeoutInSeconds"`
	ResponseTimeoutInSeconds int         `json:"responseTimeoutInSeconds"`
}

type methodResponse struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// Client 外设 RPC 客户端
type Client struct {
	httpClient *resty.Client
	cfg        Config
	logger     *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.ConnectTimeout + cfg.ResponseTimeout + 5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.SASToken != "" {
		client.SetHeader("Authorization", cfg.SASToken)
	}

	return &Client{httpClient: client, cfg: cfg, logger: logger}
}

// Invoke 调用目标模块的方法。非 2xx 状态同时返回 Result 和 ErrRPC
func (c *Client) Invoke(ctx context.Context, target, method string, params interface{}) (Result, error) {
	body := methodRequest{
		MethodName:               method,
		Payload:                  params,
		ConnectTimeoutInSeconds:  int(c.cfg.ConnectTimeout / time.Second),
		ResponseTimeoutInSeconds: int(c.cfg.ResponseTimeout / time.Second),
	}

	requestID := uuid.NewString()
	c.logger.Debug("Invoking peripheral method",
		zap.String("target", target),
		zap.String("method", method),
		zap.String("request_id", requestID),
	)

	var out methodResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("x-ms-client-request-id", requestID).
		SetQueryParam("api-version", methodsAPIVersion).
		SetBody(body).
		SetResult(&out).
		Post(fmt.Sprintf("/twins/%s/modules/%s/methods", c.cfg.DeviceID, target))
	if err != nil {
		res := Result{Status: http.StatusInternalServerError, Message: fmt.Sprintf("Exception while calling invokeMethod: %v", err)}
		c.logger.Error("Peripheral method call failed", zap.String("method", method), zap.Error(err))
		return res, fmt.Errorf("%w: %s: %v", models.ErrRPC, method, err)
	}

	status := out.Status
	if resp.IsError() || status == 0 {
		status = resp.StatusCode()
	}

	if status < 200 || status > 299 {
		res := Result{Status: status, Message: fmt.Sprintf("invokeMethod error: status=%d", status)}
		c.logger.Error("Peripheral method returned error",
			zap.String("method", method),
			zap.Int("status", status),
		)
		return res, fmt.Errorf("%w: %s returned status %d", models.ErrRPC, method, status)
	}

	return Result{Status: status, Message: "invokeMethod succeeded", Payload: out.Payload}, nil
}
