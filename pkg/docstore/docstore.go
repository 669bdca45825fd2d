// Package docstore persists whole documents by key. Every Save replaces the
// previous document; there is no append log.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPersistence wraps every failure to read or write a document.
var ErrPersistence = errors.New("persistence failure")

// Store loads and stores whole documents.
type Store interface {
	// Load returns the document stored under key, or nil data and no error if none exists.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the document under key. It returns once the write is durable.
	Save(ctx context.Context, key string, data []byte) error
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: invalid document key %q", ErrPersistence, key)
	}
	return nil
}

func loadErr(key string, err error) error {
	return fmt.Errorf("%w: load %s: %w", ErrPersistence, key, err)
}

func saveErr(key string, err error) error {
	return fmt.Errorf("%w: save %s: %w", ErrPersistence, key, err)
}
