package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrChainBroken is returned when verification finds an entry whose
	// hash no longer matches its content or predecessor.
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// Entry is an event sealed into the chain. Each entry commits to its
// predecessor, so rewriting history breaks verification.
type Entry struct {
	Seq      int    `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
	Event    Event  `json:"event"`
}

// Filter narrows chain queries. Zero fields match everything.
type Filter struct {
	Type       EventType
	Action     string
	EntityType string
	EntityID   string
	StartTime  *time.Time
	EndTime    *time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Chain is an in-memory append-only sink whose entries are hash chained.
// Doubles as the queryable timeline in tests and embedded deployments.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) Record(_ context.Context, e Event) error {
	stamp(&e)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ""
	if n := len(c.entries); n > 0 {
		prev = c.entries[n-1].Hash
	}
	entry := Entry{Seq: len(c.entries), PrevHash: prev, Event: e}
	h, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.Hash = h
	c.entries = append(c.entries, entry)
	return nil
}

// Head returns the hash of the newest entry, or empty for a fresh chain.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[len(c.entries)-1].Hash
}

// Len returns the number of sealed entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Query returns the entries whose events match the filter, oldest first.
func (c *Chain) Query(f Filter) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, entry := range c.entries {
		if f.matches(entry.Event) {
			out = append(out, entry)
		}
	}
	return out
}

// Verify recomputes every hash and checks the links between entries.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prev := ""
	for i, entry := range c.entries {
		if entry.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %q, want %q", ErrChainBroken, i, entry.PrevHash, prev)
		}
		want, err := entryHash(Entry{Seq: entry.Seq, PrevHash: entry.PrevHash, Event: entry.Event})
		if err != nil {
			return err
		}
		if entry.Hash != want {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, i)
		}
		prev = entry.Hash
	}
	return nil
}

// entryHash commits to the sequence number, predecessor and event body.
// encoding/json sorts map keys, so the digest is deterministic.
func entryHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
