// Package links keeps the permanent public-link mapping (token -> filename).
package links

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/screenrec/backend/pkg/docstore"
	"github.com/screenrec/backend/pkg/utils"
)

// DocumentKey is the docstore key of the persisted mapping.
const DocumentKey = "public_links"

// ErrNotFound is returned when a token or filename has no public link.
var ErrNotFound = errors.New("public link not found")

const maxMintAttempts = 8

// Store owns the in-memory mapping and its persisted copy. Every mutation runs
// under mu and rewrites the whole document before the new mapping is published.
type Store struct {
	mu       sync.RWMutex
	byToken  map[string]string
	docs     docstore.Store
	tokenLen int
	logger   *zap.Logger
}

// NewStore loads the persisted mapping.
func NewStore(ctx context.Context, docs docstore.Store, tokenLen int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenLen < 12 {
		tokenLen = 12
	}
	s := &Store{byToken: make(map[string]string), docs: docs, tokenLen: tokenLen, logger: logger}
	raw, err := docs.Load(ctx, DocumentKey)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.byToken); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", docstore.ErrPersistence, DocumentKey, err)
		}
	}
	logger.Info("public links loaded", zap.Int("count", len(s.byToken)))
	return s, nil
}

// GetOrCreate returns the existing token for filename, or mints and persists a new one.
// The lookup and the write happen in one critical section, so concurrent callers
// for the same file always agree on a single token.
func (s *Store) GetOrCreate(ctx context.Context, filename string) (token string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, f := range s.byToken {
		if f == filename {
			return tok, false, nil
		}
	}

	for i := 0; i < maxMintAttempts; i++ {
		tok, err := utils.RandomAlphanumeric(s.tokenLen)
		if err != nil {
			return "", false, fmt.Errorf("mint public token: %w", err)
		}
		if _, taken := s.byToken[tok]; taken {
			continue
		}
		next := s.copyLocked()
		next[tok] = filename
		if err := s.persistLocked(ctx, next); err != nil {
			return "", false, err
		}
		s.byToken = next
		return tok, true, nil
	}
	return "", false, errors.New("mint public token: too many collisions")
}

// Revoke removes every token that points at filename and reports whether any existed.
func (s *Store) Revoke(ctx context.Context, filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyLocked()
	removed := false
	for tok, f := range next {
		if f == filename {
			delete(next, tok)
			removed = true
		}
	}
	if !removed {
		return false, nil
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return false, err
	}
	s.byToken = next
	return true, nil
}

// Resolve returns the filename for token.
func (s *Store) Resolve(token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byToken[token]
	if !ok {
		return "", ErrNotFound
	}
	return f, nil
}

func (s *Store) copyLocked() map[string]string {
	next := make(map[string]string, len(s.byToken)+1)
	for k, v := range s.byToken {
		next[k] = v
	}
	return next
}

func (s *Store) persistLocked(ctx context.Context, m map[string]string) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", docstore.ErrPersistence, DocumentKey, err)
	}
	if err := s.docs.Save(ctx, DocumentKey, raw); err != nil {
		s.logger.Error("persist public links failed", zap.Error(err))
		return err
	}
	return nil
}
