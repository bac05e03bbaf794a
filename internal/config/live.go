package config

import "sync"

// Live is a shared, hot-swappable configuration handle. Components that
// must see selector edits without a restart read through it instead of
// holding a Config copy.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

// NewLive wraps an initial configuration.
func NewLive(cfg Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns the current configuration.
func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Set swaps the configuration. Readers mid-operation keep the snapshot
// they already took.
func (l *Live) Set(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}
