// Package identity 设备注册（DPS）与云端应用中的设备删除
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"onvif-camera-gateway/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const dpsAPIVersion = "2019-03-31"

// Config 注册参数
type Config struct {
	ProvisioningHost string
	ScopeID          string
	ModelID          string
	AppHost          string
	AppAPIToken      string
	// 边缘网关身份，写入注册负载
	GatewayDeviceID string
	GatewayModuleID string
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPolls        int
}

// Registration 注册结果
type Registration struct {
	AssignedHub string
	DeviceID    string
}

type gatewayRef struct {
	GatewayID string `json:"iotcGatewayId"`
	ModuleID  string `json:"iotcModuleId"`
}

type provisioningPayload struct {
	ModelID string      `json:"iotcModelId"`
	Gateway *gatewayRef `json:"iotcGateway,omitempty"`
}

type registrationRequest struct {
	RegistrationID string              `json:"registrationId"`
	Payload        provisioningPayload `json:"payload"`
}

type registrationState struct {
	AssignedHub  string `json:"assignedHub"`
	DeviceID     string `json:"deviceId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

type operationStatus struct {
	OperationID       string            `json:"operationId"`
	Status            string            `json:"status"`
	RegistrationState registrationState `json:"registrationState"`
}

// Client 注册服务客户端
type Client struct {
	dps    *resty.Client
	app    *resty.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 15
	}

	dps := resty.New().
		SetBaseURL(baseURL(cfg.ProvisioningHost)).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	app := resty.New().
		SetBaseURL(baseURL(cfg.AppHost)).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Authorization", cfg.AppAPIToken)

	return &Client{dps: dps, app: app, cfg: cfg, logger: logger}
}

// Register 使用设备密钥在 DPS 注册，轮询直到分配完成
func (c *Client) Register(ctx context.Context, deviceID, deviceKey, modelID string) (Registration, error) {
	if modelID == "" {
		modelID = c.cfg.ModelID
	}

	resource := fmt.Sprintf("%s/registrations/%s", c.cfg.ScopeID, deviceID)
	token, err := SASToken(resource, deviceKey, time.Now().Add(time.Hour), "registration")
	if err != nil {
		return Registration{}, err
	}

	c.logger.Info("Registering device with provisioning service",
		zap.String("device_id", deviceID),
		zap.String("model_id", modelID),
	)

	var op operationStatus
	resp, err := c.dps.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("api-version", dpsAPIVersion).
		SetBody(c.registrationBody(deviceID, modelID)).
		SetResult(&op).
		Put("/" + resource + "/register")
	if err != nil {
		return Registration{}, fmt.Errorf("%w: register request: %v", models.ErrProvisioning, err)
	}
	if resp.IsError() {
		return Registration{}, fmt.Errorf("%w: register returned %d: %s", models.ErrProvisioning, resp.StatusCode(), resp.String())
	}

	for i := 0; ; i++ {
		switch strings.ToLower(op.Status) {
		case "assigned":
			reg := Registration{AssignedHub: op.RegistrationState.AssignedHub, DeviceID: op.RegistrationState.DeviceID}
			if reg.DeviceID == "" {
				reg.DeviceID = deviceID
			}
			c.logger.Info("Device registration assigned",
				zap.String("device_id", reg.DeviceID),
				zap.String("assigned_hub", reg.AssignedHub),
			)
			return reg, nil
		case "failed", "disabled":
			return Registration{}, fmt.Errorf("%w: registration %s: %s", models.ErrProvisioning, op.Status, op.RegistrationState.ErrorMessage)
		}

		if i >= c.cfg.MaxPolls || op.OperationID == "" {
			return Registration{}, fmt.Errorf("%w: registration did not complete (status %q)", models.ErrProvisioning, op.Status)
		}

		select {
		case <-ctx.Done():
			return Registration{}, fmt.Errorf("%w: %v", models.ErrProvisioning, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}

		opID := op.OperationID
		op = operationStatus{}
		resp, err = c.dps.R().
			SetContext(ctx).
			SetHeader("Authorization", token).
			SetQueryParam("api-version", dpsAPIVersion).
			SetResult(&op).
			Get("/" + resource + "/operations/" + opID)
		if err != nil {
			return Registration{}, fmt.Errorf("%w: poll registration: %v", models.ErrProvisioning, err)
		}
		if resp.IsError() {
			return Registration{}, fmt.Errorf("%w: poll returned %d", models.ErrProvisioning, resp.StatusCode())
		}
		if op.OperationID == "" {
			op.OperationID = opID
		}
	}
}

func (c *Client) registrationBody(deviceID, modelID string) registrationRequest {
	body := registrationRequest{
		RegistrationID: deviceID,
		Payload:        provisioningPayload{ModelID: modelID},
	}
	if c.cfg.GatewayDeviceID != "" {
		body.Payload.Gateway = &gatewayRef{GatewayID: c.cfg.GatewayDeviceID, ModuleID: c.cfg.GatewayModuleID}
	}
	return body
}

// Deregister 从云端应用删除设备
func (c *Client) Deregister(ctx context.Context, deviceID string) error {
	resp, err := c.app.R().
		SetContext(ctx).
		Delete("/api/preview/devices/" + deviceID)
	if err != nil {
		return fmt.Errorf("%w: delete device %s: %v", models.ErrProvisioning, deviceID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		c.logger.Warn("Device not found in application", zap.String("device_id", deviceID))
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("%w: delete device %s returned %d", models.ErrProvisioning, deviceID, resp.StatusCode())
	}
	return nil
}

func baseURL(host string) string {
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}
