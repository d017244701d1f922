package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"channelgate/internal/constants"
	"channelgate/internal/models"
)

// Watcher polls the config file and reloads it when it changes. Only
// settings that can change at runtime are acted on by callbacks; the rest
// take effect on restart.
type Watcher struct {
	path     string
	logger   *logrus.Entry
	interval time.Duration

	mu        sync.RWMutex
	config    *models.Config
	modTime   time.Time
	callbacks []func(*models.Config)
}

func NewWatcher(path string, initial *models.Config, logger *logrus.Entry) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		interval: constants.DefaultConfigPollInterval,
		config:   initial,
	}
}

// Start polls until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.modTime = stat.ModTime()
	w.mu.Unlock()

	w.logger.WithField("path", w.path).Info("Configuration watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	stat, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to stat configuration file")
		return
	}
	w.mu.RLock()
	changed := stat.ModTime().After(w.modTime)
	w.mu.RUnlock()
	if !changed {
		return
	}
	w.mu.Lock()
	w.modTime = stat.ModTime()
	w.mu.Unlock()
	w.reload()
}

func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(cb func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration, keeping previous")
		return
	}

	w.mu.Lock()
	prev := w.config
	w.config = next
	callbacks := append([]func(*models.Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	w.logChanges(prev, next)

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(next)
		}()
	}
}

func (w *Watcher) logChanges(prev, next *models.Config) {
	if prev == nil {
		return
	}
	if prev.LogLevel != next.LogLevel {
		w.logger.WithFields(logrus.Fields{"old": prev.LogLevel, "new": next.LogLevel}).Info("Log level changed")
	}
	if prev.Server.Addr != next.Server.Addr || prev.Database.Path != next.Database.Path {
		w.logger.Warn("Server address or database path changed, restart required")
	}
	if prev.Reconnect != next.Reconnect || prev.Manager != next.Manager {
		w.logger.Info("Reconnect or manager settings changed, applied to channels registered from now on")
	}
}
