package constants

import "time"

const (
	// UpstreamGenerateTimeout enforces max duration for non-stream requests.
	UpstreamGenerateTimeout = 180 * time.Second
	// UpstreamStreamTimeout enforces max duration for streaming requests.
	UpstreamStreamTimeout = 300 * time.Second
	// StoreQueryTimeout bounds a single repository call.
	StoreQueryTimeout = 5 * time.Second
	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// ConfigReloadDebounce coalesces bursts of file events.
	ConfigReloadDebounce = 300 * time.Millisecond
	// ConfigPollInterval is used when fsnotify is unavailable.
	ConfigPollInterval = 5 * time.Second
)

// HTTP transport defaults for vendor clients.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 90 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	BaseMaxIdleConns             = 100
	BaseMaxIdleConnsPerHost      = 16
)
