package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/domain"
)

func TestReserveFirstSubmission(t *testing.T) {
	s, _ := newTestStore(t)
	existing, created, err := s.Reserve(context.Background(), "corr-1", "hash-a", "job-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, existing)
}

func TestReserveRepeatReturnsOriginalJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, created, err := s.Reserve(ctx, "corr-1", "hash-a", "job-1", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	existing, created, err := s.Reserve(ctx, "corr-1", "hash-a", "job-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "job-1", existing)
}

func TestReserveDifferentSpecConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Reserve(ctx, "corr-1", "hash-a", "job-1", time.Hour)
	require.NoError(t, err)

	_, _, err = s.Reserve(ctx, "corr-1", "hash-b", "job-2", time.Hour)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestReserveExpiresWithWindow(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Reserve(ctx, "corr-1", "hash-a", "job-1", time.Hour)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, created, err := s.Reserve(ctx, "corr-1", "hash-b", "job-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
}
