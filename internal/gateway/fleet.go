package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/identity"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"

	"go.uber.org/zap"
)

// ErrDeviceExists 设备已有会话
var ErrDeviceExists = errors.New("device already exists")

func defaultExit(code int) {
	os.Exit(code)
}

// AddCamera 注册并连接摄像头；注册与连接都成功才加入设备表
func (g *Gateway) AddCamera(ctx context.Context, rec models.CameraRecord) (models.ProvisionResult, error) {
	logger := g.logger.With(zap.String("device_id", rec.DeviceID))
	logger.Info("createCamera",
		zap.String("device_name", rec.Name),
		zap.String("ip_address", rec.IPAddress),
	)

	var result models.ProvisionResult

	if missing := rec.MissingFields(); len(missing) > 0 {
		result.ProvisionMessage = "Missing device configuration - skipping DPS provisioning"
		logger.Error(result.ProvisionMessage, zap.Strings("missing", missing))
		return result, fmt.Errorf("%w: missing %s", models.ErrCommandValidation, strings.Join(missing, ", "))
	}
	if _, ok := g.Session(rec.DeviceID); ok {
		result.ProvisionMessage = fmt.Sprintf("Device %s already exists", rec.DeviceID)
		return result, ErrDeviceExists
	}

	deviceKey, err := identity.ComputeDeviceKey(rec.DeviceID, g.opts.ProvisioningKey)
	if err != nil {
		result.ProvisionMessage = fmt.Sprintf("Error while provisioning device: %v", err)
		logger.Error(result.ProvisionMessage)
		return result, err
	}

	reg, err := g.opts.Registrar.Register(ctx, rec.DeviceID, deviceKey, g.opts.ModelID)
	if err != nil {
		result.ProvisionMessage = fmt.Sprintf("Error while provisioning device: %v", err)
		logger.Error(result.ProvisionMessage)
		return result, err
	}
	result.ProvisionStatus = true
	result.AssignedHub = reg.AssignedHub
	result.ProvisionMessage = fmt.Sprintf("IoT Central successfully provisioned device: %s", rec.DeviceID)

	hubDeviceID := reg.DeviceID
	if hubDeviceID == "" {
		hubDeviceID = rec.DeviceID
	}

	session := g.opts.NewSession(rec)
	cr := session.Connect(ctx, g.opts.Dialer, controlplane.Descriptor{
		Host:     reg.AssignedHub,
		DeviceID: hubDeviceID,
		Key:      deviceKey,
	})
	result.ClientConnectionStatus = cr.OK
	result.ClientConnectionMessage = cr.Message
	logger.Info("Device client connect finished",
		zap.Bool("client_connection_status", cr.OK),
		zap.String("client_connection_message", cr.Message),
	)
	if !cr.OK {
		session.Close(ctx)
		return result, fmt.Errorf("%w: %s", models.ErrConnection, cr.Message)
	}

	g.mu.Lock()
	if _, exists := g.devices[rec.DeviceID]; exists {
		g.mu.Unlock()
		session.Close(ctx)
		result.ClientConnectionStatus = false
		result.ClientConnectionMessage = fmt.Sprintf("Device %s already exists", rec.DeviceID)
		return result, ErrDeviceExists
	}
	g.devices[rec.DeviceID] = session
	count := len(g.devices)
	g.mu.Unlock()

	if g.opts.Repository != nil {
		if err := g.opts.Repository.Upsert(ctx, rec); err != nil {
			logger.Error("Failed to persist camera record", zap.Error(err))
		}
	}

	g.sendTelemetry(ctx, map[string]interface{}{models.EvCreateCamera: rec.DeviceID})
	g.updateFleetMetrics(count)

	logger.Info("Successfully provisioned device")
	return result, nil
}

// DeleteCamera 先关闭并移除会话，再向身份面注销；注销失败不恢复会话
func (g *Gateway) DeleteCamera(ctx context.Context, deviceID string) error {
	logger := g.logger.With(zap.String("device_id", deviceID))
	logger.Info("Deprovisioning device")

	g.mu.Lock()
	session, ok := g.devices[deviceID]
	delete(g.devices, deviceID)
	count := len(g.devices)
	g.mu.Unlock()

	if ok {
		session.Close(ctx)
	}
	if g.opts.OnDeviceRemoved != nil {
		g.opts.OnDeviceRemoved(ctx, deviceID)
	}
	g.updateFleetMetrics(count)

	if g.opts.Repository != nil {
		if err := g.opts.Repository.Delete(ctx, deviceID); err != nil {
			logger.Error("Failed to remove camera record", zap.Error(err))
		}
	}

	if err := g.opts.Registrar.Deregister(ctx, deviceID); err != nil {
		logger.Error("Request to delete the device failed", zap.Error(err))
		return err
	}

	g.sendTelemetry(ctx, map[string]interface{}{models.EvDeleteCamera: deviceID})
	logger.Info("Successfully de-provisioned device")
	return nil
}

// RestartModule 发送重启事件，等待后以退出码 1 结束进程，由容器运行时拉起
func (g *Gateway) RestartModule(ctx context.Context, delaySeconds int, reason string) {
	if !g.restarting.CompareAndSwap(false, true) {
		g.logger.Info("Module restart already in progress", zap.String("reason", reason))
		return
	}
	g.logger.Info("Module restart requested", zap.String("reason", reason), zap.Int("delay_seconds", delaySeconds))
	g.opts.Metrics.ModuleRestart()

	g.sendTelemetry(ctx, map[string]interface{}{
		models.EvModuleRestart: reason,
		models.StModuleState:   models.StateInactive,
		models.EvModuleStopped: "Module restart",
	})

	if delaySeconds > 0 {
		g.opts.Sleep(ctx, time.Duration(delaySeconds)*time.Second)
	}

	g.logger.Info("Shutting down main process - module container will restart")
	_ = g.logger.Sync()
	g.opts.Exit(1)
}

// RestartCamera 发送事件，等待后调用 Reboot；失败只记录，不重试
func (g *Gateway) RestartCamera(ctx context.Context, deviceID string, timeoutSeconds int, reason string) error {
	session, ok := g.Session(deviceID)
	if !ok {
		return fmt.Errorf("camera %s: %w", deviceID, models.ErrNotFound)
	}
	logger := g.logger.With(zap.String("device_id", deviceID))
	logger.Info("Camera restart requested", zap.String("reason", reason))

	g.sendTelemetry(ctx, map[string]interface{}{models.EvRestartCamera: reason})

	if timeoutSeconds > 0 {
		g.opts.Sleep(ctx, time.Duration(timeoutSeconds)*time.Second)
	}

	_, err := g.opts.Invoker.Invoke(ctx, g.opts.PeripheralModuleID, models.RPCReboot, peripheral.NewCameraRequest(session.Record(), false))
	if err != nil {
		logger.Error("An error occurred while attempting to send reboot command", zap.Error(err))
		return err
	}
	return nil
}

// recreateExistingDevices 网关就绪后恢复已持久化的摄像头
func (g *Gateway) recreateExistingDevices(ctx context.Context) {
	if g.opts.Repository == nil {
		return
	}
	g.logger.Info("recreateExistingDevices")

	records, err := g.opts.Repository.List(ctx)
	if err != nil {
		g.logger.Error("Failed to get device list", zap.Error(err))
		return
	}
	g.logger.Info("Found devices", zap.Int("count", len(records)))

	for _, rec := range records {
		if _, err := g.AddCamera(ctx, rec); err != nil {
			g.logger.Error("An error occurred while re-creating device",
				zap.String("device_id", rec.DeviceID),
				zap.Error(err),
			)
		}
	}
}

func (g *Gateway) updateFleetMetrics(count int) {
	g.healthMu.Lock()
	h, streak := g.health, g.failStreak
	g.healthMu.Unlock()
	g.opts.Metrics.SetFleet(count, int(h), streak)
}

func sortStatuses(s []DeviceStatus) {
	sort.Slice(s, func(i, j int) bool { return s[i].DeviceID < s[j].DeviceID })
}
