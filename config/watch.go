package config

import (
	"fmt"
	"sync/atomic"

	"github.com/knadh/koanf/providers/file"
)

// Live wraps an atomically-swapped *Config so callers on the hot path
// (credit grants, timeout checks) never block on a reload in progress.
type Live struct {
	current atomic.Pointer[Config]
	path    string
	onError func(error)
}

// WatchFile loads path once and then watches it via koanf's fsnotify-backed
// file provider, atomically publishing every subsequent valid reload.
// onError, if non-nil, is called with reload failures; the previous config
// stays live when a reload fails validation.
func WatchFile(path string, onError func(error)) (*Live, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	l := &Live{path: path, onError: onError}
	l.current.Store(cfg)

	if path == "" {
		return l, nil
	}

	fp := file.Provider(path)
	err = fp.Watch(func(event interface{}, watchErr error) {
		if watchErr != nil {
			l.reportError(fmt.Errorf("config watch: %w", watchErr))
			return
		}
		l.reload()
	})
	if err != nil {
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}

	return l, nil
}

func (l *Live) reload() {
	next, err := Load(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}
	l.current.Store(next)
}

func (l *Live) reportError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// Get returns the currently active configuration snapshot.
func (l *Live) Get() *Config {
	return l.current.Load()
}
