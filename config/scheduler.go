package config

import "time"

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// BatchSize is the number of due schedules claimed per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"20"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < 100*time.Millisecond {
		s.Interval = 100 * time.Millisecond
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
}
