//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleSpec_Forms(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantKind     ScheduleKind
		wantInterval time.Duration
	}{
		{name: "manual", raw: "manual", wantKind: ScheduleManual},
		{name: "hourly preset", raw: "hourly", wantKind: ScheduleInterval, wantInterval: time.Hour},
		{name: "daily preset", raw: "daily", wantKind: ScheduleInterval, wantInterval: 24 * time.Hour},
		{name: "weekly preset", raw: "weekly", wantKind: ScheduleInterval, wantInterval: 7 * 24 * time.Hour},
		{name: "explicit interval", raw: "interval:30m", wantKind: ScheduleInterval, wantInterval: 30 * time.Minute},
		{name: "interval with spaces", raw: " interval:90m ", wantKind: ScheduleInterval, wantInterval: 90 * time.Minute},
		{name: "uppercase preset", raw: "DAILY", wantKind: ScheduleInterval, wantInterval: 24 * time.Hour},
		{name: "cron", raw: "cron:0 6 * * 1", wantKind: ScheduleCron},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseScheduleSpec(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, spec.Kind)
			if tt.wantInterval > 0 {
				assert.Equal(t, tt.wantInterval, spec.Interval)
			}
			if tt.wantKind == ScheduleCron {
				assert.NotNil(t, spec.Cron)
			}
		})
	}
}

func TestParseScheduleSpec_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"fortnightly",
		"interval:",
		"interval:abc",
		"interval:30s", // below the 1m floor
		"cron:not a cron",
		"cron:0 6 * * 1 2024", // 6 fields
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseScheduleSpec(raw)
			require.ErrorIs(t, err, ErrInvalidScheduleSpec)
		})
	}
}

func TestScheduleSpec_Next(t *testing.T) {
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	manual, err := ParseScheduleSpec("manual")
	require.NoError(t, err)
	assert.True(t, manual.Next(from).IsZero())

	interval, err := ParseScheduleSpec("interval:30m")
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Minute), interval.Next(from))

	// Monday 06:00; from a Monday noon the next fire is the following Monday.
	weekdayCron, err := ParseScheduleSpec("cron:0 6 * * 1")
	require.NoError(t, err)
	next := weekdayCron.Next(from)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 6, next.Hour())
	assert.True(t, next.After(from))
}

func TestScheduleSpec_Describe(t *testing.T) {
	manual, err := ParseScheduleSpec("manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", manual.Describe())

	interval, err := ParseScheduleSpec("interval:30m")
	require.NoError(t, err)
	assert.Equal(t, "every 30m0s", interval.Describe())

	cronSpec, err := ParseScheduleSpec("cron:0 6 * * 1")
	require.NoError(t, err)
	assert.Equal(t, "cron 0 6 * * 1", cronSpec.Describe())
}

func TestSchedule_Describe_ToleratesBadSpec(t *testing.T) {
	s := &Schedule{Spec: "garbage"}
	assert.Equal(t, "invalid", s.Describe())

	s = &Schedule{Spec: "daily"}
	assert.Equal(t, "every 24h0m0s", s.Describe())
}
