// Package evidence stores the source documents rules quote from.
// Documents are immutable and content-addressed: the id of a document is
// the SHA-256 of its body, so a pointer can never silently drift away
// from the text it was verified against.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown document ids.
	ErrNotFound = errors.New("evidence: document not found")
	// ErrCorrupted is returned when a stored body no longer matches the
	// content address it was fetched by.
	ErrCorrupted = errors.New("evidence: document body does not match its content address")
)

// Document is one immutable evidence text.
type Document struct {
	// ID is the content address, "sha256:" followed by the hex digest of
	// the body.
	ID       string    `json:"id"`
	Body     string    `json:"body"`
	StoredAt time.Time `json:"stored_at"`
}

// Store persists evidence documents. Put is idempotent: storing the same
// body twice yields the same document.
type Store interface {
	Put(ctx context.Context, body string) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Hash computes the content address for a body.
func Hash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// rawHash strips and validates the address prefix.
func rawHash(id string) (string, error) {
	if !strings.HasPrefix(id, "sha256:") || len(id) != len("sha256:")+64 {
		return "", fmt.Errorf("evidence: invalid document id %q", id)
	}
	return id[len("sha256:"):], nil
}

// verify checks a fetched body against the id it was fetched by.
func verify(id, body string) error {
	if Hash(body) != id {
		return fmt.Errorf("%w: %s", ErrCorrupted, id)
	}
	return nil
}

// Reader adapts a store to the narrow body lookup the provenance
// validator needs.
type Reader struct {
	store Store
}

// NewReader wraps a store.
func NewReader(s Store) *Reader {
	return &Reader{store: s}
}

// Body returns the text of a document.
func (r *Reader) Body(ctx context.Context, evidenceID string) (string, error) {
	doc, err := r.store.Get(ctx, evidenceID)
	if err != nil {
		return "", err
	}
	return doc.Body, nil
}
