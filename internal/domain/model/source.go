// Package model defines the core data types and structures used throughout the ingestion engine.
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxNameLen is the maximum allowed length for source names in characters.
	maxNameLen = 255
)

// Source is one configured data source. The CRUD layer owns writes; the
// engine treats a Source as immutable configuration for the duration of a run.
type Source struct {
	ID         string          `json:"id"                   db:"id"`
	ProjectID  string          `json:"project_id"           db:"project_id"`
	Name       string          `json:"name"                 db:"name"`
	SourceType string          `json:"source_type"          db:"source_type"`
	Config     json.RawMessage `json:"config"               db:"config"`
	RateLimit  json.RawMessage `json:"rate_limit,omitempty" db:"rate_limit"`
	Enabled    bool            `json:"enabled"              db:"enabled"`
	CreatedAt  time.Time       `json:"created_at"           db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"           db:"updated_at"`
}

// ConfigMap decodes the connector configuration into a generic map.
func (s *Source) ConfigMap() (map[string]any, error) {
	cfg := map[string]any{}
	if len(s.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return nil, errors.New("source config is not a JSON object")
	}
	return cfg, nil
}

// CreateSourceRequest represents a request to create a new source.
type CreateSourceRequest struct {
	ProjectID  string          `json:"project_id"`
	Name       string          `json:"name"`
	SourceType string          `json:"source_type"`
	Config     json.RawMessage `json:"config"`
	RateLimit  json.RawMessage `json:"rate_limit,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
}

// Validate validates the CreateSourceRequest fields.
func (r *CreateSourceRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required and cannot be empty")
	}
	if utf8.RuneCountInString(r.Name) > maxNameLen {
		return errors.New("name cannot exceed 255 characters")
	}
	if strings.TrimSpace(r.SourceType) == "" {
		return errors.New("source type is required")
	}
	if len(r.Config) > 0 && !json.Valid(r.Config) {
		return errors.New("config must be valid JSON")
	}
	return nil
}

// UpdateSourceParams carries the mutable source fields; nil means unchanged.
type UpdateSourceParams struct {
	Name      *string         `json:"name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	RateLimit json.RawMessage `json:"rate_limit,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}
