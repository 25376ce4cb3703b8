package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/relaymesh/relay-agent/pkg/plugin"
)

// SourceConfig is the persisted definition of one data source
type SourceConfig struct {
	ID           string             `json:"id"`
	PluginType   string             `json:"plugin_type"`
	Name         string             `json:"name"`
	Credentials  plugin.Credentials `json:"credentials"`
	Enabled      bool               `json:"enabled"`
	SyncInterval int                `json:"sync_interval"` // seconds
}

// Interval returns the sync interval in seconds, defaulting to one minute
func (sc SourceConfig) Interval() int {
	if sc.SyncInterval <= 0 {
		return 60
	}
	return sc.SyncInterval
}

// Store persists the list of source configurations as a JSON document under
// the agent data directory. All mutations write through to disk.
type Store struct {
	path    string
	mu      sync.Mutex
	sources []SourceConfig
}

type storeDocument struct {
	Sources []SourceConfig `json:"sources"`
}

// NewStore opens (or creates) the source configuration store
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{path: filepath.Join(dataDir, "sources.json")}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.sources = nil
			return nil
		}
		return fmt.Errorf("failed to read source store: %w", err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse source store: %w", err)
	}
	s.sources = doc.Sources
	return nil
}

// save writes the document atomically. Caller holds the lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(storeDocument{Sources: s.sources}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode source store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write source store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace source store: %w", err)
	}
	return nil
}

// List returns a copy of all source configurations
func (s *Store) List() []SourceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceConfig, len(s.sources))
	copy(out, s.sources)
	return out
}

// Get returns the configuration for a source id
func (s *Store) Get(id string) (SourceConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range s.sources {
		if sc.ID == id {
			return sc, true
		}
	}
	return SourceConfig{}, false
}

// Add persists a source configuration, replacing any existing one with the
// same id
func (s *Store) Add(sc SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.sources[:0]
	for _, existing := range s.sources {
		if existing.ID != sc.ID {
			filtered = append(filtered, existing)
		}
	}
	s.sources = append(filtered, sc)
	return s.save()
}

// Remove deletes a source configuration; removing an unknown id is a no-op
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.sources[:0]
	for _, existing := range s.sources {
		if existing.ID != id {
			filtered = append(filtered, existing)
		}
	}
	s.sources = filtered
	return s.save()
}
