package handlers

import (
	"io"
	"net/http"
	"strings"
)

// OpenIDHeader is injected by the WeChat cloud hosting gateway.
const OpenIDHeader = "X-Wx-Openid"

// OpenIDHandler echoes the caller's open id.
type OpenIDHandler struct{}

// Handle implements GET /api/wx_openid.
func (OpenIDHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	openID := strings.TrimSpace(r.Header.Get(OpenIDHeader))
	if openID == "" {
		respondError(r.Context(), w, http.StatusBadRequest, "WeChat Open ID not found in headers")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, openID)
}
