package redisstore

import (
	"fmt"
	"time"

	"github.com/gpuforge/broker/internal/domain"
)

// Reserve implements domain.IdempotencyIndex. The reservation maps a
// correlation key to (spec hash, job id) for the idempotency window; a repeat
// with a matching spec hash returns the original job id, a repeat with a
// different spec hash is a conflict.
func (s *Store) Reserve(ctx domain.Context, key, specHash, jobID string, ttl time.Duration) (string, bool, error) {
	var res interface{}
	err := s.retry(ctx, "idempotency.Reserve", func() error {
		var runErr error
		res, runErr = scriptIdemReserve.Run(ctx, s.rdb, []string{idemKey(key)},
			specHash, jobID, int64(ttl.Seconds())).Result()
		return runErr
	})
	if err != nil {
		return "", false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", false, fmt.Errorf("op=idempotency.Reserve: unexpected script result: %w", domain.ErrInternal)
	}
	switch toInt(arr[0]) {
	case 1:
		return "", true, nil
	case 0:
		existing, _ := arr[1].(string)
		return existing, false, nil
	default:
		return "", false, fmt.Errorf("op=idempotency.Reserve: key %s held by a different spec: %w", key, domain.ErrConflict)
	}
}
