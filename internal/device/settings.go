package device

import (
	"context"
	"strings"

	"onvif-camera-gateway/internal/controlplane"
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// settingRules 可调参数规则表：假值回落到默认值
func (s *Session) settingRules() map[string]controlplane.PropertyRule {
	defaults := s.opts.Defaults
	return map[string]controlplane.PropertyRule{
		models.WpDetectionClasses: func(v interface{}) interface{} {
			raw, _ := v.(string)
			classes := parseClasses(raw)
			if len(classes) == 0 {
				classes = append([]string(nil), defaults.DetectionClasses...)
			}
			s.mu.Lock()
			s.settings.DetectionClasses = classes
			s.mu.Unlock()
			return raw
		},
		models.WpConfidenceThreshold: func(v interface{}) interface{} {
			n := controlplane.NumberOr(v, defaults.ConfidenceThreshold)
			s.mu.Lock()
			s.settings.ConfidenceThreshold = n
			s.mu.Unlock()
			return n
		},
		models.WpInferenceInterval: func(v interface{}) interface{} {
			n := int(controlplane.NumberOr(v, float64(defaults.InferenceInterval)))
			s.mu.Lock()
			s.settings.InferenceInterval = n
			s.mu.Unlock()
			return n
		},
		models.WpInferenceTimeout: func(v interface{}) interface{} {
			n := int(controlplane.NumberOr(v, float64(defaults.InferenceTimeout)))
			s.mu.Lock()
			s.settings.InferenceTimeout = n
			s.mu.Unlock()
			return n
		},
		models.WpDebugTelemetry: func(v interface{}) interface{} {
			b := controlplane.BoolOr(v, false)
			s.mu.Lock()
			s.settings.DebugTelemetry = b
			s.mu.Unlock()
			return b
		},
	}
}

// onDesiredPropertiesChanged 应用 desired 补丁；无论成功与否都会放行启动闸门
func (s *Session) onDesiredPropertiesChanged(patch controlplane.Patch) {
	defer s.resolveGate()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Exception while handling desired properties", zap.Any("panic", r))
		}
	}()

	<-s.attached

	s.logger.Info("onHandleDeviceProperties")
	if s.DebugTelemetry() {
		s.logger.Info("Desired properties changed", zap.Any("patch", patch))
	}

	ctx := context.Background()
	reported := controlplane.Reconcile(patch, s.rules, s.logger)
	if len(reported) == 0 {
		return
	}
	s.updateReported(ctx, reported)

	if s.opts.Settings != nil {
		if err := s.opts.Settings.Save(ctx, s.ID(), s.Settings()); err != nil {
			s.logger.Warn("Failed to mirror settings for inference", zap.Error(err))
		}
	}
}

// parseClasses "person, car" -> [PERSON CAR]
func parseClasses(raw string) []string {
	var out []string
	for _, part := range strings.Split(strings.ToUpper(raw), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
