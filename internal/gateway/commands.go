package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"onvif-camera-gateway/internal/blobstore"
	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"

	"go.uber.org/zap"
)

const defaultScanTimeoutSeconds = 5

func (g *Gateway) commandHandlers() map[string]controlplane.CommandHandler {
	return map[string]controlplane.CommandHandler{
		models.CmdAddCamera:      g.handleAddCamera,
		models.CmdDeleteCamera:   g.handleDeleteCamera,
		models.CmdRestartCamera:  g.handleRestartCamera,
		models.CmdRestartModule:  g.handleRestartModule,
		models.CmdScanForCameras: g.handleScanForCameras,
		models.CmdTestOnvif:      g.handleTestOnvif,
	}
}

func (g *Gateway) respond(name string, resp controlplane.Responder, r models.CommandResponse) {
	if err := resp.Send(r); err != nil {
		g.logger.Error("Failed to send command response", zap.String("command", name), zap.Error(err))
	}
}

func (g *Gateway) handleAddCamera(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	rec := models.CameraRecord{
		DeviceID:          req.String(models.ParamAddDeviceID),
		Name:              req.String(models.ParamAddName),
		IPAddress:         req.String(models.ParamAddIPAddress),
		OnvifUsername:     req.String(models.ParamAddOnvifUsername),
		OnvifPassword:     req.String(models.ParamAddOnvifPassword),
		MediaProfileToken: req.String(models.ParamAddMediaProfileToken),
	}

	result, err := g.AddCamera(ctx, rec)
	switch {
	case errors.Is(err, models.ErrCommandValidation):
		g.respond(req.Name, resp, models.BadRequest("Missing required parameters"))
	case errors.Is(err, ErrDeviceExists):
		g.respond(req.Name, resp, models.Conflict(result.Message()))
	case err != nil:
		g.respond(req.Name, resp, models.Failed(result.Message()))
	default:
		g.respond(req.Name, resp, models.OK(result.Message(), nil))
	}
}

func (g *Gateway) handleDeleteCamera(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	deviceID := req.String(models.ParamDeleteDeviceID)
	if deviceID == "" {
		g.respond(req.Name, resp, models.BadRequest("Missing required Device Id parameter"))
		return
	}

	if err := g.DeleteCamera(ctx, deviceID); err != nil {
		g.respond(req.Name, resp, models.Failed(fmt.Sprintf("Error deprovisioning camera device %s", deviceID)))
		return
	}
	g.respond(req.Name, resp, models.OK(fmt.Sprintf("Finished deprovisioning camera device %s", deviceID), nil))
}

func (g *Gateway) handleRestartCamera(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	deviceID := req.String(models.ParamRestartDeviceID)
	if deviceID == "" {
		g.respond(req.Name, resp, models.BadRequest("Missing required Device Id parameter"))
		return
	}
	timeout := req.Int(models.ParamRestartCameraTimeout, 0)

	err := g.RestartCamera(ctx, deviceID, timeout, "RestartCamera command received")
	switch {
	case errors.Is(err, models.ErrNotFound):
		g.respond(req.Name, resp, models.NewCommandResponse(http.StatusNotFound, fmt.Sprintf("Camera device %s not found", deviceID), nil))
	case err != nil:
		g.respond(req.Name, resp, models.Failed(fmt.Sprintf("Error sending reboot command to camera: %s", deviceID)))
	default:
		g.respond(req.Name, resp, models.OK(fmt.Sprintf("Sent reboot command to camera: %s", deviceID), nil))
	}
}

// handleRestartModule 先响应，再重启
func (g *Gateway) handleRestartModule(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	if err := resp.Send(models.OK("Restart module request received", nil)); err != nil {
		g.logger.Error("Failed to send command response", zap.String("command", req.Name), zap.Error(err))
	}

	g.RestartModule(context.Background(), req.Int(models.ParamRestartModuleTimeout, 0), "RestartModule command received")
}

func (g *Gateway) handleScanForCameras(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	timeout := req.Int(models.ParamScanTimeout, defaultScanTimeoutSeconds)
	if timeout == 0 {
		timeout = defaultScanTimeoutSeconds
	}

	g.sendTelemetry(ctx, map[string]interface{}{models.EvDiscoveryStarted: timeout})

	res, err := g.opts.Invoker.Invoke(ctx, g.opts.PeripheralModuleID, models.RPCDiscover, peripheral.DiscoverRequest{
		Timeout: peripheral.DiscoverTimeoutMillis(timeout),
	})
	if err != nil {
		msg := fmt.Sprintf("Error during onvif camera discovery: %v", err)
		g.logger.Error(msg)
		g.respond(req.Name, resp, models.Failed(msg))
		return
	}

	var cameras []peripheral.DiscoveredCamera
	if len(res.Payload) > 0 && string(res.Payload) != "null" {
		if err := res.Decode(&cameras); err != nil {
			msg := fmt.Sprintf("Error during onvif camera discovery: %v", err)
			g.logger.Error(msg)
			g.respond(req.Name, resp, models.Failed(msg))
			return
		}
	}
	g.logger.Info("Onvif camera discovery complete, uploading results to blob storage...", zap.Int("cameras", len(cameras)))
	g.sendTelemetry(ctx, map[string]interface{}{models.EvDiscoveryDone: len(cameras)})

	g.uploadDiscoveryResults(ctx, cameras)

	data, err := json.MarshalIndent(cameras, "", "    ")
	if err != nil {
		data = []byte("[]")
	}
	g.respond(req.Name, resp, models.OK("Completed onvif camera discovery and uploaded results to blob store", string(data)))
}

// uploadDiscoveryResults 上传 CSV 与 XLSX；失败只记录
func (g *Gateway) uploadDiscoveryResults(ctx context.Context, cameras []peripheral.DiscoveredCamera) {
	if g.opts.Uploader == nil {
		g.logger.Warn("Blob storage is not configured, skipping discovery upload")
		return
	}

	rows := make([]blobstore.DiscoveryRow, 0, len(cameras))
	for _, c := range cameras {
		rows = append(rows, blobstore.DiscoveryRow{Name: c.Name, Model: c.Hardware, IPAddress: c.RemoteAddress})
	}
	now := g.opts.Now()

	csvData, err := blobstore.DiscoveryCSV(rows)
	if err != nil {
		g.logger.Error("Failed to build discovery csv", zap.Error(err))
		return
	}
	csvURL, err := g.opts.Uploader.Upload(ctx, blobstore.DiscoveryBlobName(now, "csv"), csvData, "text/csv")
	if err != nil {
		g.logger.Error("Error while uploading content to blob storage container", zap.Error(err))
		return
	}
	g.sendTelemetry(ctx, map[string]interface{}{models.EvUploadDiscovery: csvURL})

	xlsxData, err := blobstore.DiscoveryWorkbook(rows, now)
	if err != nil {
		g.logger.Error("Failed to build discovery workbook", zap.Error(err))
		return
	}
	if _, err := g.opts.Uploader.Upload(ctx, blobstore.DiscoveryBlobName(now, "xlsx"), xlsxData,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		g.logger.Error("Error while uploading discovery workbook", zap.Error(err))
	}
}

func (g *Gateway) handleTestOnvif(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	g.logger.Info("Command received", zap.String("command", req.Name))

	command := req.String(models.ParamTestOnvifCommand)
	payload := req.String(models.ParamTestOnvifPayload)
	if command == "" || payload == "" {
		g.respond(req.Name, resp, models.BadRequest("Missing required parameters"))
		return
	}

	var params interface{}
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		g.respond(req.Name, resp, models.Failed(fmt.Sprintf("Error testing onvif command: %v", err)))
		return
	}

	res, err := g.opts.Invoker.Invoke(ctx, g.opts.PeripheralModuleID, command, params)
	if err != nil {
		msg := fmt.Sprintf("Error executing onvif %s command: %v", command, err)
		g.logger.Error(msg)
		g.respond(req.Name, resp, models.Failed(msg))
		return
	}

	g.respond(req.Name, resp, models.OK(fmt.Sprintf("Executed onvif command: %s", command), string(res.Payload)))
}
