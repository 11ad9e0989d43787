package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexfabric/canon/pkg/store"
)

// SQLStore keeps evidence documents in the relational canon store, so
// documents share the database, migrations and transactions of the
// rules quoting them.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore wraps the relational store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Put(ctx context.Context, body string) (*Document, error) {
	id := Hash(body)
	if err := s.db.PutEvidence(ctx, id, body, time.Now().UTC()); err != nil {
		return nil, err
	}
	// Read back so a duplicate Put reports the original StoredAt.
	return s.Get(ctx, id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Document, error) {
	body, storedAt, err := s.db.GetEvidence(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := verify(id, body); err != nil {
		return nil, err
	}
	return &Document{ID: id, Body: body, StoredAt: storedAt}, nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.db.EvidenceExists(ctx, id)
}
