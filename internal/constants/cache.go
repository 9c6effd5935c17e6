package constants

import "time"

// 缓存相关常量
const (
	// KeyPoolTTL bounds how long a shared key pool snapshot is served,
	// including negative (disabled/empty) snapshots.
	KeyPoolTTL = 60 * time.Second

	// BackendValidity is how long a backend setting without an explicit
	// expiry stays usable after activation.
	BackendValidity = 90 * 24 * time.Hour
)

// 后台任务
const (
	UsageQueueSize       = 4096
	UsageSinkTimeout     = 5 * time.Second
	BackgroundJobTimeout = 10 * time.Second
	// BackgroundJobLimit caps concurrent best-effort store writes.
	BackgroundJobLimit = 64
	// EventJournalSize is how many admin-visible events are retained.
	EventJournalSize = 200
)
