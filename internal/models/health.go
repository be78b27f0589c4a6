package models

// HealthState 健康状态，数值与容器健康检查约定一致
type HealthState int

const (
	HealthCritical HealthState = 0
	HealthWarning  HealthState = 1
	HealthGood     HealthState = 2
)

func (h HealthState) String() string {
	switch h {
	case HealthGood:
		return "good"
	case HealthWarning:
		return "warning"
	default:
		return "critical"
	}
}

// FleetHealth 网关整体健康（仅由周期性健康检查修改）
type FleetHealth struct {
	State       HealthState `json:"state"`
	FailStreak  int         `json:"failStreak"`
	RetryLimit  int         `json:"retryLimit"`
	DeviceCount int         `json:"deviceCount"`
}
