// Package inference 将帧与推理参数交给下游推理服务（Redis Streams / Hash）
package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rediscommon "onvif-camera-gateway/common/redis"
	"onvif-camera-gateway/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// FrameSink 把 JPEG 帧写入 Redis Stream
type FrameSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger

	mu        sync.Mutex
	published map[string]uint64
}

// NewFrameSink 创建帧投递端
func NewFrameSink(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *FrameSink {
	return &FrameSink{
		client:    client,
		stream:    stream,
		maxLen:    maxLen,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// OnFrame 发布一帧
func (s *FrameSink) OnFrame(ctx context.Context, frame models.FrameBuffer) error {
	_, err := rediscommon.PublishToStream(ctx, s.client, s.stream, map[string]interface{}{
		"device_id": frame.DeviceID,
		"seq":       frame.Seq,
		"timestamp": frame.Timestamp.UTC().Format(time.RFC3339Nano),
		"jpeg":      frame.Data,
	}, rediscommon.StreamOptions{MaxLen: s.maxLen})
	if err != nil {
		return fmt.Errorf("publish frame %d: %w", frame.Seq, err)
	}

	s.mu.Lock()
	s.published[frame.DeviceID]++
	s.mu.Unlock()
	return nil
}

// Published 设备已投递的帧数
func (s *FrameSink) Published(deviceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[deviceID]
}

// Forget 设备删除后清理计数
func (s *FrameSink) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.published, deviceID)
	s.mu.Unlock()
}

// SettingsStore 推理参数存储，key 为 {prefix}:{deviceId}
type SettingsStore struct {
	client *redis.Client
	prefix string
}

// NewSettingsStore 创建参数存储
func NewSettingsStore(client *redis.Client, prefix string) *SettingsStore {
	return &SettingsStore{client: client, prefix: prefix}
}

func (s *SettingsStore) key(deviceID string) string {
	return s.prefix + ":" + deviceID
}

// Save 写入设备当前推理参数
func (s *SettingsStore) Save(ctx context.Context, deviceID string, settings models.DeviceSettings) error {
	err := s.client.HSet(ctx, s.key(deviceID),
		"detection_classes", strings.Join(settings.DetectionClasses, ","),
		"confidence_threshold", settings.ConfidenceThreshold,
		"inference_interval", settings.InferenceInterval,
		"inference_timeout", settings.InferenceTimeout,
		"debug_telemetry", settings.DebugTelemetry,
	).Err()
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", deviceID, err)
	}
	return nil
}

// Delete 删除设备推理参数
func (s *SettingsStore) Delete(ctx context.Context, deviceID string) error {
	return s.client.Del(ctx, s.key(deviceID)).Err()
}
