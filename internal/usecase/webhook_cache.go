package usecase

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gpuforge/broker/internal/domain"
)

// WebhookCache is the ingress-side in-memory index of webhook endpoints. It is
// strictly advisory: a miss always falls back to the store, and the periodic
// refresh loads the full population, active and inactive alike, so a toggle
// never makes an endpoint invisible. Correctness decisions never read only
// from the cache.
type WebhookCache struct {
	store  domain.WebhookStore
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]domain.Webhook
}

// NewWebhookCache wraps the store; the cache starts empty and fills on first
// refresh or on demand.
func NewWebhookCache(store domain.WebhookStore, logger *slog.Logger) *WebhookCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookCache{store: store, logger: logger, entries: make(map[string]domain.Webhook)}
}

// Run refreshes the cache on the given period until ctx is cancelled.
func (c *WebhookCache) Run(ctx domain.Context, period time.Duration) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("webhook cache initial refresh failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("webhook cache refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh replaces the cached population with the store's full listing.
func (c *WebhookCache) Refresh(ctx domain.Context) error {
	hooks, err := c.store.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]domain.Webhook, len(hooks))
	for _, w := range hooks {
		next[w.ID] = w
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
	return nil
}

// Get serves a cached entry, falling back to the store on a miss and caching
// what it finds.
func (c *WebhookCache) Get(ctx domain.Context, id string) (domain.Webhook, error) {
	c.mu.RLock()
	w, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return w, nil
	}
	w, err := c.store.GetWebhook(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}
	c.mu.Lock()
	c.entries[w.ID] = w
	c.mu.Unlock()
	return w, nil
}

// List returns the store's full population; the cache is updated as a side
// effect. Listing is not latency-critical, so it does not serve stale data.
func (c *WebhookCache) List(ctx domain.Context) ([]domain.Webhook, error) {
	hooks, err := c.store.ListWebhooks(ctx)
	if err == nil {
		next := make(map[string]domain.Webhook, len(hooks))
		for _, w := range hooks {
			next[w.ID] = w
		}
		c.mu.Lock()
		c.entries = next
		c.mu.Unlock()
		return hooks, nil
	}
	// Store down: serve the advisory copy rather than failing the listing.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil, err
	}
	out := make([]domain.Webhook, 0, len(c.entries))
	for _, w := range c.entries {
		out = append(out, w)
	}
	return out, nil
}

// Put writes through to the store and updates the cache on success.
func (c *WebhookCache) Put(ctx domain.Context, w domain.Webhook) error {
	if err := c.store.PutWebhook(ctx, w); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[w.ID] = w
	c.mu.Unlock()
	return nil
}

// Delete removes from the store and then the cache.
func (c *WebhookCache) Delete(ctx domain.Context, id string) error {
	if err := c.store.DeleteWebhook(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.mu.Lock()
			delete(c.entries, id)
			c.mu.Unlock()
		}
		return err
	}
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

// SetActive toggles the store record and patches the cached copy.
func (c *WebhookCache) SetActive(ctx domain.Context, id string, active bool) error {
	if err := c.store.SetWebhookActive(ctx, id, active); err != nil {
		return err
	}
	c.mu.Lock()
	if w, ok := c.entries[id]; ok {
		w.Active = active
		c.entries[id] = w
	}
	c.mu.Unlock()
	return nil
}
