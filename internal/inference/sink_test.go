package inference

import (
	"context"
	"testing"
	"time"

	"onvif-camera-gateway/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestFrameSink_OnFrame(t *testing.T) {
	_, client := newTestClient(t)
	sink := NewFrameSink(client, "frames", 100, zap.NewNop())

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := uint64(1); i <= 2; i++ {
		err := sink.OnFrame(ctx, models.FrameBuffer{DeviceID: "cam-1", Seq: i, Timestamp: ts, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
		require.NoError(t, err)
	}

	msgs, err := client.XRange(ctx, "frames", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "cam-1", msgs[0].Values["device_id"])
	assert.Equal(t, "1", msgs[0].Values["seq"])
	assert.Equal(t, "2024-05-01T10:00:00Z", msgs[0].Values["timestamp"])
	assert.Equal(t, "\xFF\xD8\xFF\xD9", msgs[0].Values["jpeg"])

	assert.Equal(t, uint64(2), sink.Published("cam-1"))
	sink.Forget("cam-1")
	assert.Equal(t, uint64(0), sink.Published("cam-1"))
}

func TestFrameSink_RedisDown(t *testing.T) {
	mr, client := newTestClient(t)
	sink := NewFrameSink(client, "frames", 0, zap.NewNop())
	mr.Close()

	err := sink.OnFrame(context.Background(), models.FrameBuffer{DeviceID: "cam-1", Seq: 1, Data: []byte{1}})
	assert.Error(t, err)
	assert.Equal(t, uint64(0), sink.Published("cam-1"))
}

func TestSettingsStore(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewSettingsStore(client, "gw:settings")
	ctx := context.Background()

	err := store.Save(ctx, "cam-1", models.DeviceSettings{
		DetectionClasses:    []string{"PERSON", "CAR"},
		ConfidenceThreshold: 70,
		InferenceInterval:   2,
		InferenceTimeout:    5,
		DebugTelemetry:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, "PERSON,CAR", mr.HGet("gw:settings:cam-1", "detection_classes"))
	assert.Equal(t, "70", mr.HGet("gw:settings:cam-1", "confidence_threshold"))
	assert.Equal(t, "2", mr.HGet("gw:settings:cam-1", "inference_interval"))
	assert.Equal(t, "1", mr.HGet("gw:settings:cam-1", "debug_telemetry"))

	require.NoError(t, store.Delete(ctx, "cam-1"))
	assert.False(t, mr.Exists("gw:settings:cam-1"))
}
