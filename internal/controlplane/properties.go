package controlplane

import (
	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// PropertyRule 应用一个 desired 值，返回需要回报的值
type PropertyRule func(value interface{}) interface{}

// Reconcile 按规则表应用 desired 补丁，返回待回报的补丁。
// $version 跳过，未知键记录日志后跳过
func Reconcile(patch Patch, rules map[string]PropertyRule, logger *zap.Logger) Patch {
	out := Patch{}
	for key, value := range patch {
		if key == models.VersionKey {
			continue
		}
		rule, ok := rules[key]
		if !ok {
			logger.Warn("Received desired property change for unknown setting", zap.String("setting", key))
			continue
		}
		out[key] = rule(value)
	}
	return out
}

// PatchVersion 读取补丁的 $version（JSON 数字）
func PatchVersion(p Patch) (int64, bool) {
	switch v := p[models.VersionKey].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// Truthy 判断 desired 值是否为“真”值（非零、非空）
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// NumberOr 数值型设置：假值或非数值时返回 def
func NumberOr(v interface{}, def float64) float64 {
	if !Truthy(v) {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return def
	}
}

// BoolOr 布尔型设置
func BoolOr(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// StringOr 字符串型设置
func StringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
