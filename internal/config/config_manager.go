package config

import (
	"context"
	"os"
	"sync"
	"time"

	"contractai-go/internal/events"

	log "github.com/sirupsen/logrus"
)

// ConfigManager holds the live configuration and reloads it on file change.
type ConfigManager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	stopCh     chan struct{}
	stopOnce   sync.Once
	onChange   []func(*Config)
	lastMod    time.Time
	publisher  events.Publisher
}

// NewConfigManager loads the configuration and starts watching the file if
// one was found.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	cfg, path, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	cm := &ConfigManager{
		config:     cfg,
		configPath: path,
		stopCh:     make(chan struct{}),
	}
	if path == "" {
		log.Warn("no config file found, using defaults and environment")
		return cm, nil
	}
	if info, err := os.Stat(path); err == nil {
		cm.lastMod = info.ModTime()
		cm.startWatcher()
	}
	log.WithField("path", path).Info("configuration loaded")
	return cm, nil
}

// NewStaticManager wraps a fixed config without any file watching.
func NewStaticManager(cfg *Config) *ConfigManager {
	return &ConfigManager{config: cfg, stopCh: make(chan struct{})}
}

// OnChange registers a callback for configuration changes
func (cm *ConfigManager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = append(cm.onChange, fn)
}

// SetEventPublisher wires the event hub used to broadcast config updates.
func (cm *ConfigManager) SetEventPublisher(p events.Publisher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.publisher = p
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Clone()
}

// Path returns the watched file, or "" when running on defaults.
func (cm *ConfigManager) Path() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// Close stops the watcher. Safe to call more than once.
func (cm *ConfigManager) Close() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

// Reload re-reads the file and notifies listeners when it parses.
func (cm *ConfigManager) Reload() error {
	path := cm.Path()
	if path == "" {
		return nil
	}
	next, _, err := Load(path)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	prev := cm.config
	cm.config = next
	if info, statErr := os.Stat(path); statErr == nil {
		cm.lastMod = info.ModTime()
	}
	cm.mu.Unlock()

	logConfigChanges(prev, next)
	cm.emitChange(prev, next)
	return nil
}

func (cm *ConfigManager) emitChange(oldCfg, newCfg *Config) {
	cm.mu.RLock()
	callbacks := make([]func(*Config), len(cm.onChange))
	copy(callbacks, cm.onChange)
	publisher := cm.publisher
	path := cm.configPath
	cm.mu.RUnlock()

	for _, fn := range callbacks {
		fn(newCfg.Clone())
	}
	if publisher != nil {
		publisher.Publish(context.Background(), events.TopicConfigUpdated, ConfigChangeEvent{
			Path:      path,
			UpdatedAt: time.Now().UTC(),
			Config:    newCfg.Clone(),
			Previous:  oldCfg.Clone(),
		}, nil)
	}
}

// ConfigChangeEvent is the payload broadcast when configuration changes.
type ConfigChangeEvent struct {
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
	Config    *Config   `json:"-"`
	Previous  *Config   `json:"-"`
}

func logConfigChanges(old, new *Config) {
	if old == nil || new == nil {
		return
	}
	if old.Server.Debug != new.Server.Debug {
		log.WithFields(log.Fields{"field": "server.debug", "old": old.Server.Debug, "new": new.Server.Debug}).Info("config changed")
	}
	if old.Providers.PrimaryModel != new.Providers.PrimaryModel {
		log.WithFields(log.Fields{"field": "providers.primary_model", "old": old.Providers.PrimaryModel, "new": new.Providers.PrimaryModel}).Info("config changed")
	}
	if old.Providers.DefaultModel != new.Providers.DefaultModel {
		log.WithFields(log.Fields{"field": "providers.default_model", "old": old.Providers.DefaultModel, "new": new.Providers.DefaultModel}).Info("config changed")
	}
	if (old.Providers.FallbackAPIKey == "") != (new.Providers.FallbackAPIKey == "") {
		log.WithFields(log.Fields{"field": "providers.fallback_api_key", "configured": new.Providers.FallbackAPIKey != ""}).Info("config changed")
	}
	if old.Storage != new.Storage {
		log.WithField("field", "storage").Warn("storage settings changed; restart required to apply")
	}
}
