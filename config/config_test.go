package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - api",
			input: "api",
			expected: map[ServiceMode]bool{
				ServiceModeAPI: true,
			},
			expectError: false,
		},
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services - api and worker",
			input: "api,worker",
			expected: map[ServiceMode]bool{
				ServiceModeAPI:    true,
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "api,worker,scheduler,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeAPI:       true,
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
				ServiceModeReaper:    true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " api , worker , scheduler ",
			expected: map[ServiceMode]bool{
				ServiceModeAPI:       true,
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "api,api,worker",
			expected: map[ServiceMode]bool{
				ServiceModeAPI:    true,
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "api,invalid-service",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "mixed valid and invalid",
			input:       "api,worker,invalid",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name              string
		services          string
		expectedAPI       bool
		expectedWorker    bool
		expectedScheduler bool
		expectedReaper    bool
	}{
		{
			name:        "default - api only",
			services:    "api",
			expectedAPI: true,
		},
		{
			name:           "api and worker",
			services:       "api,worker",
			expectedAPI:    true,
			expectedWorker: true,
		},
		{
			name:              "all services",
			services:          "api,worker,scheduler,reaper",
			expectedAPI:       true,
			expectedWorker:    true,
			expectedScheduler: true,
			expectedReaper:    true,
		},
		{
			name:           "worker only",
			services:       "worker",
			expectedWorker: true,
		},
		{
			name:              "scheduler only",
			services:          "scheduler",
			expectedScheduler: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			if cfg.IsAPIEnabled() != tt.expectedAPI {
				t.Errorf("IsAPIEnabled(): expected %v, got %v", tt.expectedAPI, cfg.IsAPIEnabled())
			}
			if cfg.IsWorkerEnabled() != tt.expectedWorker {
				t.Errorf("IsWorkerEnabled(): expected %v, got %v", tt.expectedWorker, cfg.IsWorkerEnabled())
			}
			if cfg.IsSchedulerEnabled() != tt.expectedScheduler {
				t.Errorf("IsSchedulerEnabled(): expected %v, got %v", tt.expectedScheduler, cfg.IsSchedulerEnabled())
			}
			if cfg.IsReaperEnabled() != tt.expectedReaper {
				t.Errorf("IsReaperEnabled(): expected %v, got %v", tt.expectedReaper, cfg.IsReaperEnabled())
			}
		})
	}
}

func TestConfig_ServiceEnabledMethodsWithInvalidConfig(t *testing.T) {
	cfg := AppConfig{Services: "invalid-service"}

	// All methods should return false when configuration is invalid
	if cfg.IsAPIEnabled() {
		t.Errorf("IsAPIEnabled() with invalid config: expected false, got true")
	}
	if cfg.IsWorkerEnabled() {
		t.Errorf("IsWorkerEnabled() with invalid config: expected false, got true")
	}
	if cfg.IsSchedulerEnabled() {
		t.Errorf("IsSchedulerEnabled() with invalid config: expected false, got true")
	}
	if cfg.IsReaperEnabled() {
		t.Errorf("IsReaperEnabled() with invalid config: expected false, got true")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{
		ServiceModeAPI,
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}

	if len(modes) != len(expected) {
		t.Errorf("expected %d service modes, got %d", len(expected), len(modes))
	}

	for i, mode := range modes {
		if mode != expected[i] {
			t.Errorf("expected service mode %s at index %d, got %s", expected[i], i, mode)
		}
	}
}

func TestAppConfig_ParseEnvDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "api" {
		t.Errorf("expected default services 'api', got %q", cfg.Services)
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("expected default postgres port 5432, got %d", cfg.Postgres.Port)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("expected default worker concurrency 2, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Reaper.Interval != 5*time.Minute {
		t.Errorf("expected default reaper interval 5m, got %v", cfg.Reaper.Interval)
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("expected default embedding dimension 768, got %d", cfg.Embedding.Dimension)
	}
	if cfg.VectorStore.Table != "documents" {
		t.Errorf("expected default vector table 'documents', got %q", cfg.VectorStore.Table)
	}
}

func TestAppConfig_ParseEnvOverrides(t *testing.T) {
	t.Setenv("SERVICES", "worker,scheduler")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("WORKER_EMBED_CONCURRENCY", "8")
	t.Setenv("EMBEDDING_MODEL", "text-embedding-3-small")
	t.Setenv("EMBEDDING_DIMENSION", "1536")
	t.Setenv("SCHEDULER_BATCH_SIZE", "50")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if !cfg.IsWorkerEnabled() || !cfg.IsSchedulerEnabled() || cfg.IsAPIEnabled() {
		t.Errorf("unexpected enabled services for %q", cfg.Services)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("expected postgres host override, got %q", cfg.Postgres.Host)
	}
	if !cfg.Redis.Enabled {
		t.Error("expected redis to be enabled")
	}
	if cfg.Worker.EmbedConcurrency != 8 {
		t.Errorf("expected embed concurrency 8, got %d", cfg.Worker.EmbedConcurrency)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("expected embedding model override, got %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.Dimension != 1536 {
		t.Errorf("expected embedding dimension 1536, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Scheduler.BatchSize != 50 {
		t.Errorf("expected scheduler batch size 50, got %d", cfg.Scheduler.BatchSize)
	}
}

func TestSanitizeClampsValues(t *testing.T) {
	cfg := AppConfig{
		Worker: WorkerConfig{
			Concurrency:      0,
			JobLease:         time.Second,
			EmbedConcurrency: -1,
			FetchPageSize:    0,
			PausePoll:        time.Millisecond,
		},
		Reaper: ReaperConfig{
			Interval:    time.Second,
			CacheMaxAge: -time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:  time.Millisecond,
			BatchSize: 0,
		},
		VectorStore: VectorStoreConfig{
			BatchSize: 100000,
		},
	}

	cfg.Sanitize()

	if cfg.Worker.Concurrency != 1 {
		t.Errorf("expected worker concurrency clamped to 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.JobLease != 5*time.Second {
		t.Errorf("expected job lease clamped to 5s, got %v", cfg.Worker.JobLease)
	}
	if cfg.Reaper.Interval != time.Minute {
		t.Errorf("expected reaper interval clamped to 1m, got %v", cfg.Reaper.Interval)
	}
	if cfg.Reaper.CacheMaxAge != 0 {
		t.Errorf("expected negative cache max age clamped to 0, got %v", cfg.Reaper.CacheMaxAge)
	}
	if cfg.Scheduler.BatchSize != 1 {
		t.Errorf("expected scheduler batch size clamped to 1, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.VectorStore.BatchSize != 10000 {
		t.Errorf("expected vector batch size clamped to 10000, got %d", cfg.VectorStore.BatchSize)
	}
}

func TestMetricsConfig_Sanitize(t *testing.T) {
	cfg := MetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = MetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestNotificationsConfig_Sanitize(t *testing.T) {
	cfg := NotificationsConfig{
		Enabled:             false,
		SlackWebhookURL:     "https://hooks.slack.com/services/test",
		PagerDutyRoutingKey: "abc",
	}
	cfg.Sanitize()

	if cfg.SlackWebhookURL != "" {
		t.Error("expected slack webhook cleared when notifications disabled")
	}
	if cfg.PagerDutyRoutingKey != "" {
		t.Error("expected pagerduty routing key cleared when notifications disabled")
	}

	cfg = NotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
	}
	cfg.Sanitize()

	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit != 0 {
		t.Errorf("expected retry limit clamped to 0, got %d", cfg.RetryLimit)
	}
}
