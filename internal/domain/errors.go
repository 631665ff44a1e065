// Package domain holds the broker's entities, ports, and error taxonomy.
package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrLeaseNotOwned       = errors.New("lease not owned by worker")
	ErrWorkerNotRegistered = errors.New("worker not registered")
	ErrInternal            = errors.New("internal error")
)
