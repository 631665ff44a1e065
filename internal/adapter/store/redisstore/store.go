// Package redisstore implements the broker's authoritative state store on
// Redis. Every mutation that must be atomic runs as a server-side Lua script;
// application code never performs check-then-act over job state.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gpuforge/broker/internal/domain"
)

// Options tunes store behaviour. Zero values fall back to sane defaults.
type Options struct {
	RetentionCount int64
	RetentionAge   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration
}

func (o *Options) fill() {
	if o.RetentionCount <= 0 {
		o.RetentionCount = 10000
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = 7 * 24 * time.Hour
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 2 * time.Second
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 10 * time.Second
	}
}

// Store is the single shared mutable resource of the broker. It implements
// domain.JobRegistry, domain.WorkflowStore, domain.WorkerRegistry,
// domain.WebhookStore, domain.IdempotencyIndex and domain.EventLog.
type Store struct {
	rdb  *redis.Client
	opts Options

	matchScanCap  int
	leaseDuration time.Duration
	cancelGrace   time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New constructs a Store around an established Redis client.
func New(rdb *redis.Client, opts Options) *Store {
	opts.fill()
	return &Store{
		rdb:     rdb,
		opts:    opts,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // ULID entropy does not need crypto randomness.
	}
}

// Client exposes the underlying Redis client for readiness checks.
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=store.Ping: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// NewID returns a monotone ULID, used for both job and event ids.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// retry runs fn, retrying transient store faults with bounded exponential
// backoff. Logical outcomes (no match, conflict, not found) pass through
// untouched so callers never mistake them for infrastructure faults.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryInitialInterval
	bo.MaxInterval = s.opts.RetryMaxInterval
	bo.MaxElapsedTime = s.opts.RetryMaxElapsed

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// nowMillis converts t to the integer milliseconds used in scores and leases.
func nowMillis(t time.Time) int64 { return t.UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
