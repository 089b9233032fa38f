package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRestartable is returned when restarting a job that is not failed or cancelled.
	ErrJobNotRestartable = errors.New("job cannot be restarted (must be failed or cancelled)")
	// ErrDuplicateFireKey is returned when a fire-keyed job already exists for the tick.
	ErrDuplicateFireKey = errors.New("job with this fire key already exists")
	// ErrJobNotDeletable is returned when deleting a job that is not in a terminal state.
	ErrJobNotDeletable = errors.New("job cannot be deleted (must be completed, failed or cancelled)")

	// ErrSourceNotFound is returned when a source id does not exist.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceNameTaken is returned when a source name is already used within the project.
	ErrSourceNameTaken = errors.New("source name already in use for project")

	// ErrScheduleNotFound is returned when a source has no schedule row.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrCacheMiss is returned when content is absent from the cache.
	ErrCacheMiss = errors.New("cache miss")
)
