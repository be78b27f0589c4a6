// Package httpapi 本地 HTTP 接口：健康检查、指标与设备查询
package httpapi

import (
	"context"
	"net/http"
	"time"

	"onvif-camera-gateway/internal/gateway"
	"onvif-camera-gateway/internal/metrics"
	"onvif-camera-gateway/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Fleet 路由依赖的网关能力
type Fleet interface {
	CheckHealth(ctx context.Context) models.HealthState
	FleetHealth() models.FleetHealth
	Devices() []gateway.DeviceStatus
}

// HealthResponse GET /health 响应
type HealthResponse struct {
	State       models.HealthState `json:"state"`
	Status      string             `json:"status"`
	FailStreak  int                `json:"failStreak"`
	RetryLimit  int                `json:"retryLimit"`
	DeviceCount int                `json:"deviceCount"`
	Version     string             `json:"version"`
}

type handlers struct {
	fleet   Fleet
	version string
	logger  *zap.Logger
}

// NewRouter 创建路由
func NewRouter(fleet Fleet, m *metrics.Metrics, version string, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{fleet: fleet, version: version, logger: logger}

	router.GET("/health", h.handleHealth)
	if m != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.GET("/health", h.handleHealthSnapshot)
	api.GET("/cameras", h.handleListCameras)
	api.GET("/cameras/:device_id", h.handleGetCamera)

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// handleHealth 执行一次健康检查；非 Good 时返回 503
func (h *handlers) handleHealth(c *gin.Context) {
	state := h.fleet.CheckHealth(c.Request.Context())
	resp := h.healthResponse()
	resp.State = state
	resp.Status = state.String()

	status := http.StatusOK
	if state != models.HealthGood {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// handleHealthSnapshot 只读快照，不计入失败次数
func (h *handlers) handleHealthSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.healthResponse())
}

func (h *handlers) healthResponse() HealthResponse {
	fh := h.fleet.FleetHealth()
	return HealthResponse{
		State:       fh.State,
		Status:      fh.State.String(),
		FailStreak:  fh.FailStreak,
		RetryLimit:  fh.RetryLimit,
		DeviceCount: fh.DeviceCount,
		Version:     h.version,
	}
}

func (h *handlers) handleListCameras(c *gin.Context) {
	devices := h.fleet.Devices()
	c.JSON(http.StatusOK, gin.H{
		"cameras": devices,
		"count":   len(devices),
	})
}

func (h *handlers) handleGetCamera(c *gin.Context) {
	id := c.Param("device_id")
	for _, d := range h.fleet.Devices() {
		if d.DeviceID == id {
			c.JSON(http.StatusOK, d)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
}
