package constants

import "time"

// 上游重试默认值
const (
	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 8 * time.Second
	DefaultUpstreamRPS          = 20
	DefaultUpstreamBurst        = 40
)
