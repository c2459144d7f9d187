// Package ratelimit implements the per-origin fixed window throttle that every
// relay handshake and inbound event passes through first.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrRateLimited is returned when an origin has used up its window.
var ErrRateLimited = errors.New("rate limited")

// Config defines the window size and the number of events allowed in it.
type Config struct {
	Limit  int           `yaml:"limit" env:"RELAY_RATE_LIMIT"`
	Window time.Duration `yaml:"window" env:"RELAY_RATE_WINDOW"`
}

// DefaultConfig allows 100 events per minute.
func DefaultConfig() Config {
	return Config{Limit: 100, Window: time.Minute}
}

// window is the counter state of a single origin.
type window struct {
	Count   int
	ResetAt time.Time
}

// Governor tracks one window per origin. Windows reset lazily: the first event
// seen after ResetAt zeroes the counter and starts the next window.
type Governor struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	clock   clock.Clock
	maxKeys int
}

// NewGovernor creates a governor. A nil clock uses wall time.
func NewGovernor(cfg Config, clk clock.Clock) *Governor {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Governor{
		windows: make(map[string]*window),
		config:  cfg,
		clock:   clk,
		maxKeys: 10000,
	}
}

// Allow records one event for origin at the current time.
func (g *Governor) Allow(origin string) bool {
	return g.allowAt(origin, g.clock.Now())
}

// allowAt records one event for origin at now and reports whether it fits the window.
func (g *Governor) allowAt(origin string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[origin]
	if !ok {
		if len(g.windows) >= g.maxKeys {
			g.prune(now)
		}
		w = &window{ResetAt: now.Add(g.config.Window)}
		g.windows[origin] = w
	} else if !now.Before(w.ResetAt) {
		w.Count = 0
		w.ResetAt = now.Add(g.config.Window)
	}

	if w.Count >= g.config.Limit {
		return false
	}
	w.Count++
	return true
}

// Check is Allow returning ErrRateLimited instead of false.
func (g *Governor) Check(origin string) error {
	if !g.Allow(origin) {
		return ErrRateLimited
	}
	return nil
}

// snapshot returns a copy of the window for origin.
func (g *Governor) snapshot(origin string) (window, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[origin]
	if !ok {
		return window{}, false
	}
	return *w, true
}

// prune drops windows that have already expired (must be called with lock held).
func (g *Governor) prune(now time.Time) {
	for origin, w := range g.windows {
		if !now.Before(w.ResetAt) {
			delete(g.windows, origin)
		}
	}
}
