package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToStream_ConvertsValues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	id, err := PublishToStream(ctx, client, "frames", map[string]interface{}{
		"device_id": "cam-1",
		"seq":       int64(7),
		"jpeg":      []byte{0xFF, 0xD8, 0xFF, 0xD9},
		"ok":        true,
		"meta":      map[string]int{"w": 640},
	}, StreamOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "frames", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cam-1", msgs[0].Values["device_id"])
	assert.Equal(t, "7", msgs[0].Values["seq"])
	assert.Equal(t, string([]byte{0xFF, 0xD8, 0xFF, 0xD9}), msgs[0].Values["jpeg"])
	assert.Equal(t, "true", msgs[0].Values["ok"])
	assert.Equal(t, `{"w":640}`, msgs[0].Values["meta"])
}

func TestPublishToStream_MaxLen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := PublishToStream(ctx, client, "frames", map[string]interface{}{"seq": i}, StreamOptions{MaxLen: 5})
		require.NoError(t, err)
	}

	n, err := client.XLen(ctx, "frames").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(20))
	assert.GreaterOrEqual(t, n, int64(5))
}
