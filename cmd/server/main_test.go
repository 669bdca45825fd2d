package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrec/backend/config"
	"github.com/screenrec/backend/pkg/docstore"
)

func TestOpenState(t *testing.T) {
	st, err := openState(config.StateConfig{Backend: "file", Dir: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &docstore.FileStore{}, st)

	st, err = openState(config.StateConfig{Backend: "memory"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &docstore.MemoryStore{}, st)

	_, err = openState(config.StateConfig{Backend: "redis"}, nil, nil)
	assert.ErrorContains(t, err, "REDIS_ADDR")
	_, err = openState(config.StateConfig{Backend: "postgres"}, nil, nil)
	assert.ErrorContains(t, err, "DATABASE_URL")
	_, err = openState(config.StateConfig{Backend: "sqlite"}, nil, nil)
	assert.ErrorContains(t, err, "unknown STATE_BACKEND")
}
