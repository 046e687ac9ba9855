package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/emojirelay/backend/internal/logging"
)

// EmojiHandler serves the curated emoji lists kept in configuration.
type EmojiHandler struct {
	Recommend string
	Gallery   string
}

// Recommend implements GET /api/emojis/recommend.
func (h EmojiHandler) Recommend(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "recommend", h.Recommend)
}

// Gallery implements GET /api/emojis/gallery.
func (h EmojiHandler) Gallery(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "gallery", h.Gallery)
}

func (h EmojiHandler) serve(w http.ResponseWriter, r *http.Request, name, raw string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	respondOK(ctx, w, "", parseList(ctx, name, raw))
}

// parseList decodes a configured JSON document, yielding an empty list when
// the value is missing or malformed.
func parseList(ctx context.Context, name, raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []any{}
	}

	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		logging.FromContext(ctx).Error("parse emoji list", "list", name, "error", err)
		return []any{}
	}
	if data == nil {
		return []any{}
	}
	return data
}
