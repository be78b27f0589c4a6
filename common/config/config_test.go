package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("CAMDB_HOST", "db.local")
	os.Setenv("CAMDB_PORT", "6543")
	os.Setenv("CAMDB_NAME", "cameras")
	defer os.Clearenv()

	c := DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", SSLMode: "disable"}
	c.LoadFromEnv("CAMDB")

	assert.Equal(t, "db.local", c.Host)
	assert.Equal(t, 6543, c.Port)
	assert.Equal(t, "cameras", c.Database)
	assert.Equal(t, "postgres", c.User)
	assert.Equal(t, "host=db.local port=6543 user=postgres password= dbname=cameras sslmode=disable", c.DSN())

	c.ApplicationName = "camera-gateway"
	c.ConnectTimeout = 5 * time.Second
	assert.Equal(t, "host=db.local port=6543 user=postgres password= dbname=cameras sslmode=disable application_name=camera-gateway connect_timeout=5", c.DSN())
}

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()
	os.Setenv("REDIS_ADDR", "redis:6379")
	os.Setenv("REDIS_DB", "2")
	os.Setenv("REDIS_POOL_SIZE", "not-a-number")

	c := RedisConfig{Addr: "localhost:6379", PoolSize: 16}
	c.LoadFromEnv("REDIS")

	assert.Equal(t, "redis:6379", c.Addr)
	assert.Equal(t, 2, c.DB)
	assert.Equal(t, 16, c.PoolSize)
}

func TestMQTTConfig_LoadFromEnv_QoS(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	c := MQTTConfig{QoS: 1}
	os.Setenv("MQTT_QOS", "7")
	c.LoadFromEnv("MQTT")
	assert.Equal(t, byte(1), c.QoS)

	os.Setenv("MQTT_QOS", "0")
	os.Setenv("MQTT_BROKER", "tcp://broker:1883")
	c.LoadFromEnv("MQTT")
	assert.Equal(t, byte(0), c.QoS)
	assert.Equal(t, "tcp://broker:1883", c.Broker)
}
