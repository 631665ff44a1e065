package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a store client capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildRedisCheck returns the readiness probe for the store dependency.
func BuildRedisCheck(store Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("store not configured")
		}
		return store.Ping(ctx)
	}
}
