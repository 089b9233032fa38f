package config

import "time"

// EmbeddingConfig contains embedding client configuration. BaseURL may
// point at any OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL   string        `env:"EMBEDDING_BASE_URL"  envDefault:"http://localhost:11434/v1"`
	APIKey    string        `env:"EMBEDDING_API_KEY"   envDefault:""`
	Model     string        `env:"EMBEDDING_MODEL"     envDefault:"nomic-embed-text"`
	Dimension int           `env:"EMBEDDING_DIMENSION" envDefault:"768"`
	Timeout   time.Duration `env:"EMBEDDING_TIMEOUT"   envDefault:"30s"`
}

// Sanitize applies guardrails to embedding configuration values.
func (e *EmbeddingConfig) Sanitize() {
	if e.Dimension < 1 {
		e.Dimension = 768
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
}

// VectorStoreConfig contains vector store writer configuration. The
// writer dials its own connections from the Postgres config; Table and
// BatchSize shape the target relation and insert batching.
type VectorStoreConfig struct {
	Table     string `env:"VECTOR_TABLE"      envDefault:"documents"`
	BatchSize int    `env:"VECTOR_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to vector store configuration values.
func (v *VectorStoreConfig) Sanitize() {
	if v.Table == "" {
		v.Table = "documents"
	}
	if v.BatchSize < 1 {
		v.BatchSize = 1
	}
	if v.BatchSize > 10000 {
		v.BatchSize = 10000
	}
}
