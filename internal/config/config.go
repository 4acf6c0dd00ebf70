// Package config loads the server configuration from a JSON file and
// hot-reloads it when the file changes on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/logx"
	"github.com/kaze-rt/kaze/internal/version"
)

// SQL configures the connection pool.
type SQL struct {
	DSN      string `json:"dsn"`
	PoolSize int    `json:"pool_size"`
}

// Config is the server configuration.
type Config struct {
	Name          string `json:"name"`
	Listen        string `json:"listen"`
	Workers       int    `json:"workers"`
	UseCaller     bool   `json:"use_caller"`
	DocRoot       string `json:"doc_root"`
	RecvTimeoutMS uint64 `json:"recv_timeout_ms"`
	HTTP3         bool   `json:"http3"`
	HTTP3Listen   string `json:"http3_listen"`
	SQL           SQL    `json:"sql"`

	// MinRuntime rejects the file on runtimes older than the stated
	// version.
	MinRuntime string `json:"min_runtime"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:          "kaze",
		Listen:        "0.0.0.0:8080",
		Workers:       4,
		DocRoot:       "./resources",
		RecvTimeoutMS: 60000,
		HTTP3Listen:   "0.0.0.0:8443",
	}
}

// Load reads and validates a configuration file. Unset fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if err := version.CheckMin(c.MinRuntime); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is empty")
	}
	return nil
}

// Watcher re-reads the configuration when the file changes.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch invokes onChange with each successfully reloaded configuration.
// Reload failures are logged and skipped. Editors that replace the file
// (rename + create) are handled by watching the parent directory.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	cw := &Watcher{w: w, done: make(chan struct{})}
	go func() {
		defer close(cw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c, err := Load(abs)
				if err != nil {
					logx.Logger().Warn("config reload failed", zap.Error(err))
					continue
				}
				logx.Logger().Info("config reloaded", zap.String("path", abs))
				onChange(c)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logx.Logger().Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return cw, nil
}

// Close stops the watcher.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
