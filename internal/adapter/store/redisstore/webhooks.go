package redisstore

import (
	"encoding/json"
	"fmt"

	"github.com/gpuforge/broker/internal/domain"
)

// PutWebhook implements domain.WebhookStore.
func (s *Store) PutWebhook(ctx domain.Context, w domain.Webhook) error {
	types, _ := json.Marshal(w.EventTypes)
	active := "0"
	if w.Active {
		active = "1"
	}
	return s.retry(ctx, "webhooks.Put", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, webhookKey(w.ID),
			"id", w.ID,
			"url", w.URL,
			"event_types", string(types),
			"secret", w.Secret,
			"active", active,
			"created_at", nowMillis(w.CreatedAt),
		)
		pipe.SAdd(ctx, keyWebhookIndex, w.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetWebhook implements domain.WebhookStore.
func (s *Store) GetWebhook(ctx domain.Context, id string) (domain.Webhook, error) {
	var h map[string]string
	err := s.retry(ctx, "webhooks.Get", func() error {
		var runErr error
		h, runErr = s.rdb.HGetAll(ctx, webhookKey(id)).Result()
		return runErr
	})
	if err != nil {
		return domain.Webhook{}, err
	}
	if len(h) == 0 {
		return domain.Webhook{}, fmt.Errorf("op=webhooks.Get: webhook %s: %w", id, domain.ErrNotFound)
	}
	return webhookFromHash(h)
}

// ListWebhooks implements domain.WebhookStore. The full population is
// returned, active and inactive alike; filtering is the caller's business.
func (s *Store) ListWebhooks(ctx domain.Context) ([]domain.Webhook, error) {
	ids, err := s.rdb.SMembers(ctx, keyWebhookIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("op=webhooks.List: %w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.Webhook, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWebhook(ctx, id)
		if err != nil {
			continue // deleted between SMEMBERS and HGETALL
		}
		out = append(out, w)
	}
	return out, nil
}

// DeleteWebhook implements domain.WebhookStore.
func (s *Store) DeleteWebhook(ctx domain.Context, id string) error {
	return s.retry(ctx, "webhooks.Delete", func() error {
		pipe := s.rdb.TxPipeline()
		del := pipe.Del(ctx, webhookKey(id))
		pipe.SRem(ctx, keyWebhookIndex, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if del.Val() == 0 {
			return fmt.Errorf("op=webhooks.Delete: webhook %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// SetWebhookActive implements domain.WebhookStore.
func (s *Store) SetWebhookActive(ctx domain.Context, id string, active bool) error {
	flag := "0"
	if active {
		flag = "1"
	}
	return s.retry(ctx, "webhooks.SetActive", func() error {
		n, err := s.rdb.Exists(ctx, webhookKey(id)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("op=webhooks.SetActive: webhook %s: %w", id, domain.ErrNotFound)
		}
		return s.rdb.HSet(ctx, webhookKey(id), "active", flag).Err()
	})
}

func webhookFromHash(h map[string]string) (domain.Webhook, error) {
	w := domain.Webhook{
		ID:     h["id"],
		URL:    h["url"],
		Secret: h["secret"],
		Active: h["active"] == "1",
	}
	if h["event_types"] != "" {
		if err := json.Unmarshal([]byte(h["event_types"]), &w.EventTypes); err != nil {
			return domain.Webhook{}, fmt.Errorf("op=webhookFromHash: event_types: %w", err)
		}
	}
	if ms, err := parseInt64(h["created_at"]); err == nil {
		w.CreatedAt = msToTime(ms)
	}
	return w, nil
}
