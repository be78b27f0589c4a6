package models

import (
	"strings"
	"time"
)

// CameraRecord 摄像头配置，会话存续期间不可变
type CameraRecord struct {
	DeviceID          string    `json:"deviceId"`
	Name              string    `json:"name"`
	IPAddress         string    `json:"ipAddress"`
	OnvifUsername     string    `json:"onvifUsername"`
	OnvifPassword     string    `json:"-"`
	MediaProfileToken string    `json:"onvifMediaProfileToken"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

// MissingFields 返回缺失的必填字段名
func (r CameraRecord) MissingFields() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("deviceId", r.DeviceID)
	check("name", r.Name)
	check("ipAddress", r.IPAddress)
	check("onvifUsername", r.OnvifUsername)
	check("onvifPassword", r.OnvifPassword)
	check("onvifMediaProfileToken", r.MediaProfileToken)
	return missing
}

// FrameBuffer 一帧完整 JPEG（SOI..EOI），发出后不可修改
type FrameBuffer struct {
	DeviceID  string
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// DeviceSettings 设备可调参数（来自 desired properties）
type DeviceSettings struct {
	DebugTelemetry      bool     `json:"wpDebugTelemetry"`
	DetectionClasses    []string `json:"wpDetectionClasses"`
	ConfidenceThreshold float64  `json:"wpConfidenceThreshold"`
	InferenceInterval   int      `json:"wpInferenceInterval"`
	InferenceTimeout    int      `json:"wpInferenceTimeout"`
}
