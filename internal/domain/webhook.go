package domain

import "time"

// Webhook is a registered delivery endpoint. The delivery engine itself lives
// outside the broker; the broker only stores endpoints and tags events with
// webhook references.
type Webhook struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	EventTypes []EventType `json:"event_types"`
	Secret     string      `json:"secret,omitempty"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}
