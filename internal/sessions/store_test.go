package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrec/backend/internal/models"
	"github.com/screenrec/backend/pkg/docstore"
)

type fakeFiles map[string]bool

func (f fakeFiles) Exists(name string) bool { return f[name] }

type flakyStore struct {
	*docstore.MemoryStore
	failSave bool
}

func (f *flakyStore) Save(ctx context.Context, key string, data []byte) error {
	if f.failSave {
		return errors.Join(docstore.ErrPersistence, errors.New("disk full"))
	}
	return f.MemoryStore.Save(ctx, key, data)
}

func persisted(t *testing.T, docs docstore.Store) map[string]models.Session {
	t.Helper()
	raw, err := docs.Load(context.Background(), DocumentKey)
	require.NoError(t, err)
	m := map[string]models.Session{}
	if raw != nil {
		require.NoError(t, json.Unmarshal(raw, &m))
	}
	return m
}

func newStore(t *testing.T, docs docstore.Store) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), docs, nil)
	require.NoError(t, err)
	return s
}

func TestNewTokenFormat(t *testing.T) {
	tok := NewToken()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), tok)
	assert.NotEqual(t, tok, NewToken())
}

func TestResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)

	tok, created, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, persisted(t, docs), tok)

	again, created, err := s.ResolveOrCreate(ctx, tok)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tok, again)

	other, created, err := s.ResolveOrCreate(ctx, "not-a-known-token")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "not-a-known-token", other)
	assert.Len(t, persisted(t, docs), 2)
}

func TestAppendKeepsOrderAndIgnoresUnknown(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)
	tok, _, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, tok, "recording_a.webm"))
	require.NoError(t, s.Append(ctx, tok, "clip_b.webm"))
	require.NoError(t, s.Append(ctx, "missing", "clip_c.webm"))

	assert.Equal(t, []string{"recording_a.webm", "clip_b.webm"}, persisted(t, docs)[tok].Files)
	assert.False(t, hasSession(s, "missing"))
}

func TestListExistingPrunesMissing(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)
	tok, _, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	for _, f := range []string{"a.webm", "b.webm", "c.webm"} {
		require.NoError(t, s.Append(ctx, tok, f))
	}

	files, err := s.ListExisting(ctx, tok, fakeFiles{"a.webm": true, "c.webm": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.webm", "c.webm"}, files)
	assert.Equal(t, []string{"a.webm", "c.webm"}, persisted(t, docs)[tok].Files)

	files, err = s.ListExisting(ctx, "unknown", fakeFiles{})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestForgetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)
	tok, _, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)

	require.NoError(t, s.Forget(ctx, tok))
	require.NoError(t, s.Forget(ctx, tok))
	assert.False(t, hasSession(s, tok))
	assert.Empty(t, persisted(t, docs))

	_, created, err := s.ResolveOrCreate(ctx, tok)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRemoveFileFromAllSessions(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)
	a, _, _ := s.ResolveOrCreate(ctx, "")
	b, _, _ := s.ResolveOrCreate(ctx, "")
	require.NoError(t, s.Append(ctx, a, "x.webm"))
	require.NoError(t, s.Append(ctx, a, "y.webm"))
	require.NoError(t, s.Append(ctx, b, "x.webm"))

	n, err := s.RemoveFile(ctx, "x.webm")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := persisted(t, docs)
	assert.Equal(t, []string{"y.webm"}, got[a].Files)
	assert.Empty(t, got[b].Files)

	n, err = s.RemoveFile(ctx, "x.webm")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedSaveLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	docs := &flakyStore{MemoryStore: docstore.NewMemoryStore()}
	s := newStore(t, docs)
	tok, _, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)

	docs.failSave = true
	err = s.Append(ctx, tok, "a.webm")
	require.ErrorIs(t, err, docstore.ErrPersistence)
	require.ErrorIs(t, s.Forget(ctx, tok), docstore.ErrPersistence)
	assert.True(t, hasSession(s, tok))

	files, err := s.ListExisting(ctx, tok, fakeFiles{})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReloadFromDocument(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	s := newStore(t, docs)
	tok, _, _ := s.ResolveOrCreate(ctx, "")
	require.NoError(t, s.Append(ctx, tok, "a.webm"))

	reloaded := newStore(t, docs)
	files, err := reloaded.ListExisting(ctx, tok, fakeFiles{"a.webm": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.webm"}, files)
}

func TestCorruptDocument(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	require.NoError(t, docs.Save(ctx, DocumentKey, []byte("{not json")))
	_, err := NewStore(ctx, docs, nil)
	require.ErrorIs(t, err, docstore.ErrPersistence)
}

func hasSession(s *Store, token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[token]
	return ok
}
