package approval

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source hands out the current allowlist snapshot. Every approval
// decision fetches a fresh snapshot, so operators can tighten the table
// without a restart.
type Source interface {
	Current() *Policy
}

// Static wraps a fixed policy. Useful for tests and embedded setups.
type Static struct {
	policy *Policy
}

// NewStatic returns a source that always hands out the given policy.
func NewStatic(p *Policy) *Static {
	return &Static{policy: p}
}

func (s *Static) Current() *Policy {
	return s.policy
}

type fileDocument struct {
	Version string  `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// LoadFile parses an allowlist YAML document into a policy snapshot.
func LoadFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist %s: %w", path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	p, err := NewPolicy(doc.Version, doc.Entries)
	if err != nil {
		return nil, fmt.Errorf("allowlist %s: %w", path, err)
	}
	return p, nil
}

// FileSource serves snapshots loaded from a YAML file and swaps them on
// Reload. A failed reload keeps the previous snapshot.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	policy *Policy
}

// NewFileSource loads the initial snapshot from path.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, logger: logger, policy: p}, nil
}

func (s *FileSource) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Reload re-reads the file and atomically swaps the snapshot in.
func (s *FileSource) Reload() error {
	p, err := LoadFile(s.path)
	if err != nil {
		s.logger.Error("allowlist reload failed, keeping previous snapshot",
			"path", s.path, "error", err)
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("allowlist reloaded", "path", s.path, "version", p.Version(), "entries", p.Len())
	return nil
}
