package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"brokerrelay/internal/constants"
	"brokerrelay/pkg/metrics"
)

// BusinessHours bounds the hours of day during which a queue forwards
// messages to its webhook.
type BusinessHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// QueueConfig is the persisted subset of a consumer configuration.
type QueueConfig struct {
	WebhookURL    string        `json:"webhook_url"`
	MinIntervalMS int           `json:"min_interval_ms"`
	MaxIntervalMS int           `json:"max_interval_ms"`
	BusinessHours BusinessHours `json:"business_hours"`
	SavedAt       time.Time     `json:"saved_at"`
}

type document struct {
	Version     string                 `json:"version"`
	LastUpdated time.Time              `json:"last_updated"`
	Queues      map[string]QueueConfig `json:"queues"`
}

const documentVersion = "1.0.0"

// Stats summarizes the persisted document.
type Stats struct {
	QueueCount int
	LastUpdated time.Time
}

// Store is a single-JSON-file document store for queue configurations. Every
// mutation rewrites the full document atomically via a temp file plus
// rename, so a reader never observes a partially written document.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	if path == "" {
		path = constants.DefaultPersistenceFile
	}
	return &Store{path: path}
}

func (s *Store) Save(name string, cfg QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}

	cfg.SavedAt = time.Now().UTC()
	doc.Queues[name] = cfg
	doc.LastUpdated = time.Now().UTC()

	err = s.writeLocked(doc)
	recordOutcome(err)
	return err
}

func (s *Store) Remove(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return false, err
	}

	if _, ok := doc.Queues[name]; !ok {
		return false, nil
	}

	delete(doc.Queues, name)
	doc.LastUpdated = time.Now().UTC()

	if err := s.writeLocked(doc); err != nil {
		recordOutcome(err)
		return false, err
	}
	recordOutcome(nil)
	return true, nil
}

func (s *Store) Load(name string) (*QueueConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	cfg, ok := doc.Queues[name]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *Store) LoadAll() (map[string]QueueConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	out := make(map[string]QueueConfig, len(doc.Queues))
	for k, v := range doc.Queues {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return false, err
	}
	_, ok := doc.Queues[name]
	return ok, nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &document{Version: documentVersion, LastUpdated: time.Now().UTC(), Queues: map[string]QueueConfig{}}
	err := s.writeLocked(doc)
	recordOutcome(err)
	return err
}

func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return Stats{}, err
	}
	return Stats{QueueCount: len(doc.Queues), LastUpdated: doc.LastUpdated}, nil
}

// Backup copies the current document to path, or to a timestamped sibling
// file in the same directory if path is empty.
func (s *Store) Backup(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return "", err
	}

	if path == "" {
		path = fmt.Sprintf("%s.backup.%d.json", s.path, time.Now().UnixMilli())
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup document: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup file: %w", err)
	}

	return path, nil
}

// Restore replaces the current document with the one at path, returning the
// names of the queues it contains.
func (s *Store) Restore(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse backup file: %w", err)
	}
	if doc.Queues == nil {
		return nil, fmt.Errorf("parse backup file: missing queues object")
	}
	doc.Version = documentVersion
	doc.LastUpdated = time.Now().UTC()

	if err := s.writeLocked(&doc); err != nil {
		recordOutcome(err)
		return nil, err
	}
	recordOutcome(nil)

	names := make([]string, 0, len(doc.Queues))
	for name := range doc.Queues {
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) readLocked() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Version: documentVersion, Queues: map[string]QueueConfig{}}, nil
		}
		return nil, fmt.Errorf("read persistence file: %w", err)
	}

	if len(data) == 0 {
		return &document{Version: documentVersion, Queues: map[string]QueueConfig{}}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse persistence file: %w", err)
	}
	if doc.Queues == nil {
		doc.Queues = map[string]QueueConfig{}
	}
	return &doc, nil
}

// writeLocked rewrites the full document via a temp file and rename so a
// concurrent reader never observes a half-written file.
func (s *Store) writeLocked(doc *document) error {
	doc.Version = documentVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal persistence document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create persistence directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp persistence file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp persistence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp persistence file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp persistence file: %w", err)
	}

	return nil
}

func recordOutcome(err error) {
	if err != nil {
		metrics.PersistenceWritesTotal.WithLabelValues("failure").Inc()
		return
	}
	metrics.PersistenceWritesTotal.WithLabelValues("success").Inc()
}
