package handlers

import (
	"net/http"

	"github.com/emojirelay/backend/internal/middleware"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Database: deps.Database}
	msgs := MessageHandler{Relay: deps.Relay}
	openID := OpenIDHandler{}
	emojis := EmojiHandler{Recommend: deps.RecommendEmoji, Gallery: deps.Gallery}
	shares := ShareHandler{Ledger: deps.Shares}
	limit := middleware.Limit(deps.ShareLimiter, "shares")

	mux.HandleFunc("/healthz", health.Handle)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	mux.HandleFunc("/api/msg", msgs.Receive)
	mux.HandleFunc("/api/wx_openid", openID.Handle)
	mux.HandleFunc("/api/emojis/recommend", emojis.Recommend)
	mux.HandleFunc("/api/emojis/gallery", emojis.Gallery)
	mux.Handle("/api/shares", limit(http.HandlerFunc(shares.Collection)))
	mux.Handle("/api/shares/remove", limit(http.HandlerFunc(shares.Remove)))
	mux.Handle("/api/shares/status", limit(http.HandlerFunc(shares.Status)))
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Relay          RelayDispatcher
	Shares         ShareLedger
	ShareLimiter   middleware.RateLimiter
	Database       Pinger
	Metrics        http.Handler
	RecommendEmoji string
	Gallery        string
}
