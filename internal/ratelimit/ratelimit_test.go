package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic limiter tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, "test-source", nil, WithClock(clock.Now)), clock
}

func TestLimiterHourlyCeiling(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerHour: 5})

	// Exhaust the hourly budget.
	for i := 0; i < 5; i++ {
		require.Zero(t, limiter.Delay(), "request %d should not wait", i)
		limiter.RecordRequest()
		clock.Advance(time.Second)
	}

	// Sixth request must wait until the oldest request ages out of the hour.
	wait := limiter.Delay()
	assert.Greater(t, wait, 59*time.Minute)
	assert.LessOrEqual(t, wait, time.Hour)

	// Advancing past the window frees exactly one slot.
	clock.Advance(wait)
	assert.Zero(t, limiter.Delay())
	limiter.RecordRequest()
	assert.Positive(t, limiter.Delay())
}

func TestLimiterRollingHourNeverExceeded(t *testing.T) {
	const perHour = 10
	limiter, clock := newTestLimiter(t, Config{RequestsPerHour: perHour})

	var stamps []time.Time
	// Drive the limiter hard for four simulated hours, only issuing when allowed.
	for i := 0; i < 500; i++ {
		if limiter.Delay() == 0 {
			limiter.RecordRequest()
			stamps = append(stamps, clock.Now())
		}
		clock.Advance(30 * time.Second)
	}

	for i, ts := range stamps {
		inHour := 0
		for _, other := range stamps[:i+1] {
			if other.After(ts.Add(-time.Hour)) {
				inHour++
			}
		}
		require.LessOrEqual(t, inHour, perHour, "rolling hour exceeded at %s", ts)
	}
}

func TestLimiterMinDelay(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{MinDelay: 3 * time.Second})

	assert.Zero(t, limiter.Delay())
	limiter.RecordRequest()

	assert.Equal(t, 3*time.Second, limiter.Delay())

	clock.Advance(time.Second)
	assert.Equal(t, 2*time.Second, limiter.Delay())

	clock.Advance(2 * time.Second)
	assert.Zero(t, limiter.Delay())
}

func TestLimiterBurstAllowance(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{MinDelay: 5 * time.Second, BurstLimit: 3})

	// Three rapid requests ride the burst allowance.
	for i := 0; i < 3; i++ {
		require.Zero(t, limiter.Delay(), "burst request %d", i)
		limiter.RecordRequest()
		clock.Advance(10 * time.Millisecond)
	}

	// The fourth hits the min delay.
	assert.Positive(t, limiter.Delay())
}

func TestLimiter429Backoff(t *testing.T) {
	t.Run("exponential without retry-after", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{BackoffFactor: 2})

		limiter.Record429(0)
		assert.Equal(t, 2*time.Second, limiter.Delay())

		limiter.Record429(0)
		assert.Equal(t, 4*time.Second, limiter.Delay())

		limiter.Record429(0)
		assert.Equal(t, 8*time.Second, limiter.Delay())

		limiter.RecordSuccess()
		assert.Zero(t, limiter.Delay())
	})

	t.Run("retry-after wins when honored", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{RetryAfter429: true})

		limiter.Record429(42 * time.Second)
		assert.Equal(t, 42*time.Second, limiter.Delay())
	})

	t.Run("retry-after ignored when disabled", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{RetryAfter429: false, BackoffFactor: 2})

		limiter.Record429(300 * time.Second)
		assert.Equal(t, 2*time.Second, limiter.Delay())
	})
}

func TestAcquireRespectsContext(t *testing.T) {
	limiter := New(Config{MinDelay: time.Hour}, "slow", nil)
	limiter.RecordRequest()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireImmediateWhenIdle(t *testing.T) {
	limiter := New(Config{RequestsPerHour: 100}, "idle", nil)
	require.NoError(t, limiter.Acquire(context.Background()))
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Config
		wantErr bool
	}{
		{
			name: "explicit fields",
			raw:  `{"requests_per_hour": 50, "min_delay": 2.5, "burst_limit": 3}`,
			want: Config{
				RequestsPerHour: 50,
				MinDelay:        2500 * time.Millisecond,
				BurstLimit:      3,
				RetryAfter429:   true,
				BackoffFactor:   2.0,
			},
		},
		{
			name: "preset only",
			raw:  `{"preset": "conservative"}`,
			want: Config{
				RequestsPerDay:  100,
				RequestsPerHour: 20,
				MinDelay:        5 * time.Second,
				BurstLimit:      1,
				RetryAfter429:   true,
				BackoffFactor:   2.0,
			},
		},
		{
			name: "preset with override",
			raw:  `{"preset": "conservative", "requests_per_hour": 40}`,
			want: Config{
				RequestsPerDay:  100,
				RequestsPerHour: 40,
				MinDelay:        5 * time.Second,
				BurstLimit:      1,
				RetryAfter429:   true,
				BackoffFactor:   2.0,
			},
		},
		{
			name:    "unknown preset",
			raw:     `{"preset": "nope"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfig(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPresetUnknown(t *testing.T) {
	_, err := Preset("definitely-not-a-preset")
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{})

	limiter.RecordRequest()
	clock.Advance(2 * time.Minute)
	limiter.RecordRequest()
	limiter.Record429(0)

	stats := limiter.Stats()
	assert.Equal(t, "test-source", stats.Source)
	assert.Equal(t, 1, stats.RequestsLastMinute)
	assert.Equal(t, 2, stats.RequestsLastHour)
	assert.Equal(t, 2, stats.RequestsLastDay)
	assert.Equal(t, 1, stats.Consecutive429s)
}
