package redisstore

import (
	"fmt"

	"github.com/gpuforge/broker/internal/domain"
)

// PendingDepth reports the size of the pending index.
func (s *Store) PendingDepth(ctx domain.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("op=stats.PendingDepth: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// ActiveCount reports the size of the active index.
func (s *Store) ActiveCount(ctx domain.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, keyActive).Result()
	if err != nil {
		return 0, fmt.Errorf("op=stats.ActiveCount: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// TerminalCount reports the size of the terminal index.
func (s *Store) TerminalCount(ctx domain.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, keyTerminal).Result()
	if err != nil {
		return 0, fmt.Errorf("op=stats.TerminalCount: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}
