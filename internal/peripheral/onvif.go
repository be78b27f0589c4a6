package peripheral

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"onvif-camera-gateway/internal/models"
)

// Invoker 外设方法调用
type Invoker interface {
	Invoke(ctx context.Context, target, method string, params interface{}) (Result, error)
}

// CameraRequest ONVIF 方法的通用参数
type CameraRequest struct {
	Address           string `json:"Address"`
	Username          string `json:"Username"`
	Password          string `json:"Password"`
	MediaProfileToken string `json:"MediaProfileToken,omitempty"`
}

// NewCameraRequest 从摄像头记录构造请求
func NewCameraRequest(rec models.CameraRecord, withProfile bool) CameraRequest {
	req := CameraRequest{
		Address:  rec.IPAddress,
		Username: rec.OnvifUsername,
		Password: rec.OnvifPassword,
	}
	if withProfile {
		req.MediaProfileToken = rec.MediaProfileToken
	}
	return req
}

// DeviceInformation GetDeviceInformation 返回值
type DeviceInformation struct {
	Manufacturer string `json:"Manufacturer"`
	Model        string `json:"Model"`
	Firmware     string `json:"Firmware"`
	SerialNumber string `json:"SerialNumber"`
	HardwareID   string `json:"HardwareId"`
}

// DiscoveredCamera Discover 返回的单个摄像头
type DiscoveredCamera struct {
	Name          string `json:"Name"`
	Hardware      string `json:"Hardware"`
	RemoteAddress string `json:"RemoteAddress"`
}

// DiscoverRequest Discover 参数（毫秒）
type DiscoverRequest struct {
	Timeout int `json:"timeout"`
}

// DiscoverTimeoutMillis 扫描超时：<0 或 >60 秒时使用 5000ms
func DiscoverTimeoutMillis(seconds int) int {
	if seconds < 0 || seconds > 60 {
		return 5000
	}
	return seconds * 1000
}

// DecodeString 负载为 JSON 字符串时返回其值
func (r Result) DecodeString() (string, error) {
	var s string
	if err := r.Decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

// DecodeImage 解码 base64 JPEG 快照
func (r Result) DecodeImage() ([]byte, error) {
	s, err := r.DecodeString()
	if err != nil {
		return nil, err
	}
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot is not base64: %v", models.ErrRPC, err)
	}
	return img, nil
}
