package ci

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// JobConfig is the builder configuration attached to a CI job. Empty fields
// fall back to the cloud defaults.
type JobConfig struct {
	BuilderSize     string `yaml:"builder_size" json:"builder_size,omitempty"`
	BuilderType     string `yaml:"builder_type" json:"builder_type,omitempty"`
	ApplicationUUID string `yaml:"application_uuid" json:"application_uuid,omitempty"`

	// TimeoutMs bounds the DNS wait for a new builder. Nil disables the bound.
	TimeoutMs      *int64 `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
	Platform       string `yaml:"platform" json:"platform,omitempty"`
	Region         string `yaml:"region" json:"region,omitempty"`
	IdleTTLMinutes int    `yaml:"idle_ttl_minutes" json:"idle_ttl_minutes,omitempty"`
}

// JobConfigs resolves the job configuration for a label.
type JobConfigs interface {
	Lookup(label string) (JobConfig, bool)
}

// JobConfigStore is an in-memory JobConfigs optionally loaded from a YAML
// file of the form `jobs: {<label>: {...}}`.
type JobConfigStore struct {
	mu   sync.RWMutex
	jobs map[string]JobConfig
}

var _ JobConfigs = (*JobConfigStore)(nil)

type jobConfigFile struct {
	Jobs map[string]JobConfig `yaml:"jobs"`
}

// NewJobConfigStore returns an empty store.
func NewJobConfigStore() *JobConfigStore {
	return &JobConfigStore{jobs: map[string]JobConfig{}}
}

// LoadJobConfigs reads a job configuration file. A missing file yields an
// empty store.
func LoadJobConfigs(path string) (*JobConfigStore, error) {
	store := NewJobConfigStore()
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("read job configs: %w", err)
	}
	var file jobConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse job configs: %w", err)
	}
	for label, cfg := range file.Jobs {
		store.jobs[label] = cfg
	}
	return store, nil
}

func (s *JobConfigStore) Lookup(label string) (JobConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.jobs[label]
	return cfg, ok
}

// Set stores or replaces the configuration for label.
func (s *JobConfigStore) Set(label string, cfg JobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[label] = cfg
}
