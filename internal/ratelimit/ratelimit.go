// Package ratelimit enforces per-source request budgets for outbound
// connector traffic. Daily and hourly caps are hard ceilings: Acquire
// blocks until the budget allows another request, it never lets one
// through early.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds the rate limiting parameters for one source.
// Zero window values mean "no limit on that window".
type Config struct {
	RequestsPerDay    int           `json:"requests_per_day,omitempty"`
	RequestsPerHour   int           `json:"requests_per_hour,omitempty"`
	RequestsPerMinute int           `json:"requests_per_minute,omitempty"`
	MinDelay          time.Duration `json:"min_delay,omitempty"`
	BurstLimit        int           `json:"burst_limit,omitempty"`
	RetryAfter429     bool          `json:"retry_after_429"`
	BackoffFactor     float64       `json:"backoff_factor,omitempty"`
}

// Sanitize fills defaults for unset fields.
func (c *Config) Sanitize() {
	if c.BurstLimit <= 0 {
		c.BurstLimit = 1
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2.0
	}
}

// rawConfig is the wire shape stored in a source's rate_limit JSONB column.
// min_delay is in seconds to match operator expectations.
type rawConfig struct {
	Preset            string   `json:"preset,omitempty"`
	RequestsPerDay    int      `json:"requests_per_day,omitempty"`
	RequestsPerHour   int      `json:"requests_per_hour,omitempty"`
	RequestsPerMinute int      `json:"requests_per_minute,omitempty"`
	MinDelaySeconds   float64  `json:"min_delay,omitempty"`
	BurstLimit        int      `json:"burst_limit,omitempty"`
	RetryAfter429     *bool    `json:"retry_after_429,omitempty"`
	BackoffFactor     float64  `json:"backoff_factor,omitempty"`
}

// ParseConfig decodes a source's rate-limit JSON. A "preset" key selects a
// named preset; any other keys present override the preset's fields.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var rc rawConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Config{}, fmt.Errorf("parse rate limit config: %w", err)
	}

	cfg := Config{RetryAfter429: true}
	if rc.Preset != "" {
		preset, err := Preset(rc.Preset)
		if err != nil {
			return Config{}, err
		}
		cfg = preset
	}

	if rc.RequestsPerDay > 0 {
		cfg.RequestsPerDay = rc.RequestsPerDay
	}
	if rc.RequestsPerHour > 0 {
		cfg.RequestsPerHour = rc.RequestsPerHour
	}
	if rc.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = rc.RequestsPerMinute
	}
	if rc.MinDelaySeconds > 0 {
		cfg.MinDelay = time.Duration(rc.MinDelaySeconds * float64(time.Second))
	}
	if rc.BurstLimit > 0 {
		cfg.BurstLimit = rc.BurstLimit
	}
	if rc.RetryAfter429 != nil {
		cfg.RetryAfter429 = *rc.RetryAfter429
	}
	if rc.BackoffFactor > 0 {
		cfg.BackoffFactor = rc.BackoffFactor
	}

	cfg.Sanitize()
	return cfg, nil
}

// presets are budget profiles for common upstream APIs.
var presets = map[string]Config{
	"conservative": {
		RequestsPerDay:  100,
		RequestsPerHour: 20,
		MinDelay:        5 * time.Second,
		BurstLimit:      1,
		RetryAfter429:   true,
	},
	"moderate": {
		RequestsPerDay:  400,
		RequestsPerHour: 50,
		MinDelay:        2 * time.Second,
		BurstLimit:      3,
		RetryAfter429:   true,
	},
	"generous": {
		RequestsPerDay: 10000,
		MinDelay:       100 * time.Millisecond,
		BurstLimit:     10,
		RetryAfter429:  true,
	},
	"congress_api_demo": {
		RequestsPerDay:  5000,
		RequestsPerHour: 500,
		MinDelay:        time.Second,
		BurstLimit:      5,
		RetryAfter429:   true,
	},
	"congress_api_registered": {
		RequestsPerDay:  10000,
		RequestsPerHour: 1000,
		MinDelay:        500 * time.Millisecond,
		BurstLimit:      10,
		RetryAfter429:   true,
	},
	"chile_bcn_conservative": {
		RequestsPerDay:  100,
		RequestsPerHour: 20,
		MinDelay:        3 * time.Second,
		BurstLimit:      1,
		RetryAfter429:   true,
	},
}

// Preset returns a named preset configuration.
func Preset(name string) (Config, error) {
	cfg, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, fmt.Errorf("unknown rate limit preset %q (available: %s)",
			name, strings.Join(PresetNames(), ", "))
	}
	cfg.Sanitize()
	return cfg, nil
}

// PresetNames lists the available preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats is a snapshot of a limiter's recent activity.
type Stats struct {
	Source             string        `json:"source"`
	RequestsLastMinute int           `json:"requests_last_minute"`
	RequestsLastHour   int           `json:"requests_last_hour"`
	RequestsLastDay    int           `json:"requests_last_day"`
	Consecutive429s    int           `json:"consecutive_429s"`
	CurrentBackoff     time.Duration `json:"current_backoff"`
}

// Limiter enforces one source's request budget. Safe for concurrent use.
type Limiter struct {
	mu              sync.Mutex
	cfg             Config
	source          string
	logger          *slog.Logger
	now             func() time.Time
	history         []time.Time
	lastRequest     time.Time
	consecutive429s int
	backoffDelay    time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter for the named source.
func New(cfg Config, source string, logger *slog.Logger, opts ...Option) *Limiter {
	cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "ratelimit", "source", source),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the budget allows another request or ctx is done.
// It does not record the request; callers invoke RecordRequest once the
// request is actually issued.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait := l.Delay()
		if wait <= 0 {
			return nil
		}
		l.logger.InfoContext(ctx, "rate limit wait", "wait", wait.Round(10*time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check: another goroutine may have consumed budget while we slept.
		}
	}
}

// Delay reports how long the caller must wait before the next request.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	var wait time.Duration

	if l.cfg.MinDelay > 0 && !l.lastRequest.IsZero() {
		// Burst allowance: min delay only applies once BurstLimit requests
		// landed inside the current min-delay window.
		if l.countSinceLocked(now.Add(-l.cfg.MinDelay)) >= l.cfg.BurstLimit {
			if d := l.cfg.MinDelay - now.Sub(l.lastRequest); d > wait {
				wait = d
			}
		}
	}

	for _, win := range []struct {
		span time.Duration
		max  int
	}{
		{time.Minute, l.cfg.RequestsPerMinute},
		{time.Hour, l.cfg.RequestsPerHour},
		{24 * time.Hour, l.cfg.RequestsPerDay},
	} {
		if win.max <= 0 {
			continue
		}
		if d := l.windowWaitLocked(now, win.span, win.max); d > wait {
			wait = d
		}
	}

	if l.backoffDelay > wait {
		wait = l.backoffDelay
	}
	return wait
}

// windowWaitLocked returns how long until the oldest in-window request ages out,
// when the window is at capacity.
func (l *Limiter) windowWaitLocked(now time.Time, span time.Duration, maxRequests int) time.Duration {
	start := now.Add(-span)
	inWindow := l.countSinceLocked(start)
	if inWindow < maxRequests {
		return 0
	}
	oldest := l.history[len(l.history)-inWindow]
	return oldest.Add(span).Sub(now)
}

func (l *Limiter) countSinceLocked(cutoff time.Time) int {
	n := 0
	for i := len(l.history) - 1; i >= 0; i-- {
		if !l.history[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// pruneLocked drops history older than the widest tracked window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

// RecordRequest records that a request was issued.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.history = append(l.history, now)
	l.lastRequest = now
}

// RecordSuccess resets 429 backoff state after a successful response.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consecutive429s > 0 {
		l.logger.Info("request succeeded, resetting backoff",
			"consecutive_429s", l.consecutive429s)
	}
	l.consecutive429s = 0
	l.backoffDelay = 0
}

// Record429 records a 429 response. When the server supplied Retry-After
// and the config honors it, that value wins; otherwise the delay grows as
// backoff_factor^n across consecutive 429s.
func (l *Limiter) Record429(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutive429s++
	if l.cfg.RetryAfter429 && retryAfter > 0 {
		l.backoffDelay = retryAfter
		l.logger.Warn("got 429, honoring Retry-After", "retry_after", retryAfter)
		return
	}
	secs := math.Pow(l.cfg.BackoffFactor, float64(l.consecutive429s))
	l.backoffDelay = time.Duration(secs * float64(time.Second))
	l.logger.Warn("got 429, backing off",
		"consecutive_429s", l.consecutive429s, "backoff", l.backoffDelay)
}

// Stats returns a snapshot of recent request activity.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	return Stats{
		Source:             l.source,
		RequestsLastMinute: l.countSinceLocked(now.Add(-time.Minute)),
		RequestsLastHour:   l.countSinceLocked(now.Add(-time.Hour)),
		RequestsLastDay:    l.countSinceLocked(now.Add(-24 * time.Hour)),
		Consecutive429s:    l.consecutive429s,
		CurrentBackoff:     l.backoffDelay,
	}
}
