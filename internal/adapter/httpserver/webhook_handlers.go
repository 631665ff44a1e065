package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gpuforge/broker/internal/domain"
)

type registerWebhookRequest struct {
	URL        string   `json:"url" validate:"required,url,max=2048"`
	EventTypes []string `json:"event_types" validate:"required,min=1"`
	Secret     string   `json:"secret" validate:"max=256"`
}

// RegisterWebhookHandler creates a webhook endpoint registration.
func (s *Server) RegisterWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerWebhookRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		hook := domain.Webhook{URL: req.URL, Secret: req.Secret}
		for _, t := range req.EventTypes {
			hook.EventTypes = append(hook.EventTypes, domain.EventType(t))
		}
		created, err := s.Ingress.RegisterWebhook(r.Context(), hook)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// The secret is write-only; never echo it.
		created.Secret = ""
		writeJSON(w, http.StatusCreated, created)
	}
}

// ListWebhooksHandler returns the full population, active and inactive.
func (s *Server) ListWebhooksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hooks, err := s.Ingress.ListWebhooks(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for i := range hooks {
			hooks[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": hooks})
	}
}

// GetWebhookHandler returns one registration, cache-first.
func (s *Server) GetWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed webhook id", domain.ErrInvalidArgument), nil)
			return
		}
		hook, err := s.Ingress.GetWebhook(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		hook.Secret = ""
		writeJSON(w, http.StatusOK, hook)
	}
}

// DeleteWebhookHandler removes a registration.
func (s *Server) DeleteWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed webhook id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Ingress.DeleteWebhook(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type patchWebhookRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// PatchWebhookHandler toggles delivery without losing the registration.
func (s *Server) PatchWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed webhook id", domain.ErrInvalidArgument), nil)
			return
		}
		var req patchWebhookRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.Active == nil {
			writeError(w, r, fmt.Errorf("%w: active required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Ingress.SetWebhookActive(r.Context(), id, *req.Active); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": *req.Active})
	}
}
