package device

import (
	"context"
	"fmt"
	"net/url"

	"onvif-camera-gateway/internal/blobstore"
	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/peripheral"

	"go.uber.org/zap"
)

func (s *Session) respond(resp controlplane.Responder, r models.CommandResponse) {
	if err := resp.Send(r); err != nil {
		s.logger.Error("Failed to send command response", zap.Error(err))
	}
}

func (s *Session) handleStartImageProcessing(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	s.logger.Info("Received device command", zap.String("command", req.Name))

	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	s.stopPipelineLocked()

	source, err := s.streamSource(ctx)
	if err != nil {
		s.logger.Error("Unable to resolve stream source", zap.Error(err))
		s.respond(resp, models.Failed(fmt.Sprintf("Unable to get the RTSP stream for deviceId: %s", s.ID())))
		return
	}
	if s.opts.Pipelines == nil {
		s.respond(resp, models.Failed("Image processing is not available"))
		return
	}

	settings := s.Settings()
	p := s.opts.Pipelines(s.ID(), settings, s)
	if err := p.Start(source, settings.InferenceInterval); err != nil {
		s.logger.Error("Failed to start image processing", zap.Error(err))
		s.respond(resp, models.Failed(fmt.Sprintf("Error starting image processing for deviceId: %s", s.ID())))
		return
	}
	s.pipeline = p

	s.respond(resp, models.OK(fmt.Sprintf("Received %s command for deviceId: %s", req.Name, s.ID()), nil))
}

// streamSource RTSP 地址（缓存）并注入摄像头凭据
func (s *Session) streamSource(ctx context.Context) (string, error) {
	s.mu.Lock()
	uri := s.rtspURI
	s.mu.Unlock()

	if uri == "" {
		res, err := s.invoke(ctx, models.RPCGetRTSPStreamURI, peripheral.NewCameraRequest(s.rec, true))
		if err != nil {
			return "", err
		}
		if uri, err = res.DecodeString(); err != nil {
			return "", err
		}
		if uri == "" {
			return "", fmt.Errorf("%w: empty stream uri", models.ErrRPC)
		}
		s.mu.Lock()
		s.rtspURI = uri
		s.mu.Unlock()
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: invalid stream uri: %v", models.ErrRPC, err)
	}
	u.User = url.UserPassword(s.rec.OnvifUsername, s.rec.OnvifPassword)
	return u.String(), nil
}

func (s *Session) handleStopImageProcessing(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	s.logger.Info("Received device command", zap.String("command", req.Name))

	s.stopPipeline()

	s.respond(resp, models.OK(fmt.Sprintf("Received %s command for deviceId: %s", req.Name, s.ID()), nil))
}

func (s *Session) handleCaptureImage(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	s.logger.Info("Received device command", zap.String("command", req.Name))

	if !s.PipelineActive() {
		s.respond(resp, models.Conflict(fmt.Sprintf("Image processing is not active for deviceId: %s", s.ID())))
		return
	}

	res, err := s.invoke(ctx, models.RPCGetSnapshot, peripheral.NewCameraRequest(s.rec, true))
	if err != nil {
		s.logger.Error("An error occurred while attempting to capture an image", zap.Error(err))
		s.respond(resp, models.Failed(err.Error()))
		return
	}
	img, err := res.DecodeImage()
	if err != nil {
		s.respond(resp, models.Failed(err.Error()))
		return
	}

	if s.opts.Uploader == nil {
		s.respond(resp, models.Failed("Blob storage is not configured"))
		return
	}
	imageURL, err := s.opts.Uploader.Upload(ctx, blobstore.SnapshotBlobName(s.ID(), s.opts.Now()), img, "image/jpeg")
	if err != nil {
		s.logger.Error("Error while uploading content to blob storage", zap.Error(err))
		s.respond(resp, models.Failed(fmt.Sprintf("Error uploading image for deviceId: %s", s.ID())))
		return
	}

	s.sendTelemetry(ctx, map[string]interface{}{
		models.EvUploadImage: imageURL,
	})
	s.updateReported(ctx, controlplane.Patch{
		models.RpInferenceImageURL: imageURL,
	})

	s.respond(resp, models.OK(fmt.Sprintf("Successfully captured image for device: %s", s.ID()), imageURL))
}

func (s *Session) handleRestartCamera(ctx context.Context, req controlplane.CommandRequest, resp controlplane.Responder) {
	s.logger.Info("Received device command", zap.String("command", req.Name))

	s.stopPipeline()

	if _, err := s.invoke(ctx, models.RPCReboot, peripheral.NewCameraRequest(s.rec, false)); err != nil {
		s.logger.Error("An error occurred while attempting to send reboot command", zap.Error(err))
		s.respond(resp, models.Failed(fmt.Sprintf("Error sending reboot command to camera device: %s", s.ID())))
		return
	}

	s.respond(resp, models.OK(fmt.Sprintf("Restart request sent to camera device: %s", s.ID()), nil))
}
