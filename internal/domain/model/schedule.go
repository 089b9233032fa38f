package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind discriminates the supported schedule spec forms.
type ScheduleKind string

const (
	// ScheduleManual means the source is only ingested on demand.
	ScheduleManual ScheduleKind = "manual"
	// ScheduleInterval fires on a fixed cadence.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleCron fires per a 5-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// Named interval presets accepted as bare spec strings.
var schedulePresets = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ErrInvalidScheduleSpec is returned for spec strings that parse to nothing.
var ErrInvalidScheduleSpec = errors.New("invalid schedule spec")

// ScheduleSpec is a parsed schedule specification for one source.
// Accepted forms: "manual", "hourly", "daily", "weekly",
// "interval:<duration>" and "cron:<5-field expr>".
type ScheduleSpec struct {
	Raw      string
	Kind     ScheduleKind
	Interval time.Duration
	Cron     cron.Schedule
}

// ParseScheduleSpec parses a schedule spec string.
func ParseScheduleSpec(raw string) (ScheduleSpec, error) {
	spec := strings.ToLower(strings.TrimSpace(raw))
	if spec == "" {
		return ScheduleSpec{}, fmt.Errorf("%w: empty spec", ErrInvalidScheduleSpec)
	}

	if spec == string(ScheduleManual) {
		return ScheduleSpec{Raw: spec, Kind: ScheduleManual}, nil
	}

	if d, ok := schedulePresets[spec]; ok {
		return ScheduleSpec{Raw: spec, Kind: ScheduleInterval, Interval: d}, nil
	}

	if rest, ok := strings.CutPrefix(spec, "interval:"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return ScheduleSpec{}, fmt.Errorf("%w: bad interval %q: %v", ErrInvalidScheduleSpec, rest, err)
		}
		if d < time.Minute {
			return ScheduleSpec{}, fmt.Errorf("%w: interval %s below 1m floor", ErrInvalidScheduleSpec, d)
		}
		return ScheduleSpec{Raw: spec, Kind: ScheduleInterval, Interval: d}, nil
	}

	if rest, ok := strings.CutPrefix(spec, "cron:"); ok {
		expr := strings.TrimSpace(rest)
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return ScheduleSpec{}, fmt.Errorf("%w: bad cron %q: %v", ErrInvalidScheduleSpec, expr, err)
		}
		return ScheduleSpec{Raw: spec, Kind: ScheduleCron, Cron: sched}, nil
	}

	return ScheduleSpec{}, fmt.Errorf("%w: %q", ErrInvalidScheduleSpec, raw)
}

// Next returns the next fire time strictly after from.
// Manual schedules never fire and return the zero time.
func (s ScheduleSpec) Next(from time.Time) time.Time {
	switch s.Kind {
	case ScheduleInterval:
		return from.Add(s.Interval)
	case ScheduleCron:
		return s.Cron.Next(from)
	default:
		return time.Time{}
	}
}

// Describe renders a human-readable trigger description.
func (s ScheduleSpec) Describe() string {
	switch s.Kind {
	case ScheduleInterval:
		return fmt.Sprintf("every %s", s.Interval)
	case ScheduleCron:
		return fmt.Sprintf("cron %s", strings.TrimPrefix(s.Raw, "cron:"))
	default:
		return "manual"
	}
}

// Schedule is one persisted schedule row for a source.
type Schedule struct {
	SourceID     string     `json:"source_id"                db:"source_id"`
	Spec         string     `json:"spec"                     db:"spec"`
	Paused       bool       `json:"paused"                   db:"paused"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"    db:"next_run_at"`
	LastQueuedAt *time.Time `json:"last_queued_at,omitempty" db:"last_queued_at"`
	UpdatedAt    time.Time  `json:"updated_at"               db:"updated_at"`
}

// Describe renders the persisted spec's trigger description, tolerating
// rows written before validation tightened.
func (s *Schedule) Describe() string {
	spec, err := ParseScheduleSpec(s.Spec)
	if err != nil {
		return "invalid"
	}
	return spec.Describe()
}
