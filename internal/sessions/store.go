// Package sessions keeps anonymous browser sessions: a bearer cookie token mapped
// to the ordered list of recordings that browser produced. Possession of the
// token is the only credential.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenrec/backend/internal/models"
	"github.com/screenrec/backend/pkg/docstore"
)

// DocumentKey is the docstore key of the persisted sessions.
const DocumentKey = "sessions"

// FileChecker reports whether a recording still exists on disk.
type FileChecker interface {
	Exists(filename string) bool
}

// Store owns the session map and its persisted copy. Writers hold mu for the
// whole read-modify-write; the document is saved before the new map is published.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	docs     docstore.Store
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore loads the persisted sessions.
func NewStore(ctx context.Context, docs docstore.Store, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{sessions: make(map[string]models.Session), docs: docs, now: time.Now, logger: logger}
	raw, err := docs.Load(ctx, DocumentKey)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.sessions); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", docstore.ErrPersistence, DocumentKey, err)
		}
	}
	logger.Info("sessions loaded", zap.Int("count", len(s.sessions)))
	return s, nil
}

// NewToken returns a 32-character hex token backed by a random UUID.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ResolveOrCreate returns token unchanged when it names a live session. Otherwise
// it creates an empty session under a fresh token and reports created=true; the
// caller sets the cookie only in that case.
func (s *Store) ResolveOrCreate(ctx context.Context, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" {
		if _, ok := s.sessions[token]; ok {
			return token, false, nil
		}
	}
	fresh := NewToken()
	for _, taken := s.sessions[fresh]; taken; _, taken = s.sessions[fresh] {
		fresh = NewToken()
	}
	next := s.copyLocked()
	next[fresh] = models.Session{Files: []string{}, CreatedAt: s.now().UTC()}
	if err := s.persistLocked(ctx, next); err != nil {
		return "", false, err
	}
	s.sessions = next
	return fresh, true, nil
}

// Append adds filename to the end of the session's list. Unknown tokens are a no-op.
func (s *Store) Append(ctx context.Context, token, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		s.logger.Warn("append to unknown session ignored", zap.String("filename", filename))
		return nil
	}
	next := s.copyLocked()
	files := make([]string, 0, len(sess.Files)+1)
	files = append(files, sess.Files...)
	sess.Files = append(files, filename)
	next[token] = sess
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.sessions = next
	return nil
}

// ListExisting returns the session's files that still exist, in order. Entries whose
// recording is gone are pruned and the pruned list is persisted. Unknown tokens
// yield an empty list.
func (s *Store) ListExisting(ctx context.Context, token string, files FileChecker) ([]string, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return []string{}, nil
	}
	kept, pruned := filterExisting(sess.Files, files)
	if !pruned {
		return kept, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-read: the list may have changed between the two locks.
	sess, ok = s.sessions[token]
	if !ok {
		return []string{}, nil
	}
	kept, pruned = filterExisting(sess.Files, files)
	if !pruned {
		return kept, nil
	}
	next := s.copyLocked()
	sess.Files = kept
	next[token] = sess
	if err := s.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	s.sessions = next
	s.logger.Info("pruned missing recordings from session", zap.Int("remaining", len(kept)))
	return append([]string(nil), kept...), nil
}

// Forget deletes the session. Unknown tokens are a no-op.
func (s *Store) Forget(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return nil
	}
	next := s.copyLocked()
	delete(next, token)
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.sessions = next
	return nil
}

// RemoveFile drops filename from every session that lists it and returns how many
// sessions changed.
func (s *Store) RemoveFile(ctx context.Context, filename string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyLocked()
	changed := 0
	for tok, sess := range next {
		kept := make([]string, 0, len(sess.Files))
		for _, f := range sess.Files {
			if f != filename {
				kept = append(kept, f)
			}
		}
		if len(kept) != len(sess.Files) {
			sess.Files = kept
			next[tok] = sess
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return 0, err
	}
	s.sessions = next
	return changed, nil
}

func filterExisting(list []string, files FileChecker) ([]string, bool) {
	kept := make([]string, 0, len(list))
	for _, f := range list {
		if files.Exists(f) {
			kept = append(kept, f)
		}
	}
	return kept, len(kept) != len(list)
}

// copyLocked makes a shallow copy of the map; Files slices are replaced, never mutated in place.
func (s *Store) copyLocked() map[string]models.Session {
	next := make(map[string]models.Session, len(s.sessions)+1)
	for k, v := range s.sessions {
		next[k] = v
	}
	return next
}

func (s *Store) persistLocked(ctx context.Context, m map[string]models.Session) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", docstore.ErrPersistence, DocumentKey, err)
	}
	if err := s.docs.Save(ctx, DocumentKey, raw); err != nil {
		s.logger.Error("persist sessions failed", zap.Error(err))
		return err
	}
	return nil
}
