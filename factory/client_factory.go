package factory

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/config"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
)

// ClientFactory creates channels and outbox stores based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type ClientFactory struct {
	mu  sync.RWMutex
	cfg config.Config
}

// NewClientFactory creates a factory for cfg. A nil cfg selects
// config.Default with simulation enabled.
func NewClientFactory(cfg *config.Config) *ClientFactory {
	if cfg == nil {
		cfg = config.Default()
		cfg.Simulation = true
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewClientFactory",
		"simulation":  cfg.Simulation,
		"server_url":  cfg.ServerURL,
		"outbox_path": cfg.OutboxPath,
	}).Info("Created client factory with configuration")

	return &ClientFactory{cfg: *cfg}
}

// CreateChannel creates a simulation or WebSocket channel according to the
// current configuration. The channel is not connected yet.
func (f *ClientFactory) CreateChannel() (channel.Channel, error) {
	f.mu.RLock()
	cfg := f.cfg
	f.mu.RUnlock()

	if cfg.Simulation {
		logrus.WithFields(logrus.Fields{
			"function": "CreateChannel",
			"type":     "simulation",
		}).Info("Creating in-memory channel")
		return channel.NewMemory(), nil
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required for a websocket channel")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "CreateChannel",
		"type":       "websocket",
		"server_url": cfg.ServerURL,
	}).Info("Creating websocket channel")
	return channel.NewWebSocket(cfg.WebSocketConfig()), nil
}

// CreateStore opens the outbox store: SQLite at OutboxPath, or an in-memory
// store when no path is configured.
func (f *ClientFactory) CreateStore() (outbox.Store, error) {
	f.mu.RLock()
	path := f.cfg.OutboxPath
	f.mu.RUnlock()

	if path == "" {
		logrus.WithFields(logrus.Fields{
			"function": "CreateStore",
			"type":     "memory",
		}).Warn("No outbox path configured, undelivered messages will not survive a restart")
		return outbox.NewMemoryStore(), nil
	}

	store, err := outbox.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	return store, nil
}

// SwitchToSimulation makes subsequent CreateChannel calls return in-memory
// channels.
func (f *ClientFactory) SwitchToSimulation() {
	f.setSimulation(true)
}

// SwitchToReal makes subsequent CreateChannel calls return WebSocket
// channels.
func (f *ClientFactory) SwitchToReal() {
	f.setSimulation(false)
}

func (f *ClientFactory) setSimulation(on bool) {
	f.mu.Lock()
	previous := f.cfg.Simulation
	f.cfg.Simulation = on
	f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setSimulation",
		"previous": previous,
		"current":  on,
	}).Info("Switched factory channel mode")
}

// GetCurrentConfig returns a copy of the current configuration.
func (f *ClientFactory) GetCurrentConfig() *config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg := f.cfg
	return &cfg
}
