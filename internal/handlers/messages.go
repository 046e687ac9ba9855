package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/relay"
)

const maxEventBytes = 64 << 10

// MessageHandler accepts message push events from the WeChat platform.
type MessageHandler struct {
	Relay RelayDispatcher
}

type messageEvent struct {
	FromUserName string `json:"FromUserName"`
	CreateTime   any    `json:"CreateTime"`
}

// Receive implements POST /api/msg. The platform expects the literal body
// "success" within a few seconds, so the relay always runs in the background
// and the reply never depends on its outcome.
func (h MessageHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	trigger, err := parseTrigger(r)
	switch {
	case err != nil:
		logger.Warn("invalid message event", "error", err)
	case trigger.UserKey == "":
		logger.Warn("message event without sender")
	case h.Relay == nil:
		logger.Error("relay pipeline unavailable")
	default:
		if err := h.Relay.Dispatch(ctx, trigger); err != nil {
			logger.Error("dispatch relay", "user", trigger.UserKey, "error", err)
		} else {
			logger.Info("relay dispatched", "user", trigger.UserKey)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "success")
}

func parseTrigger(r *http.Request) (relay.Trigger, error) {
	body := http.MaxBytesReader(nil, r.Body, maxEventBytes)
	defer body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		r.Body = body
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(maxEventBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return relay.Trigger{}, fmt.Errorf("parse form: %w", err)
		}
		return relay.Trigger{
			UserKey:   strings.TrimSpace(r.PostForm.Get("FromUserName")),
			CreatedAt: strings.TrimSpace(r.PostForm.Get("CreateTime")),
		}, nil
	}

	var event messageEvent
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&event); err != nil {
		return relay.Trigger{}, fmt.Errorf("decode event: %w", err)
	}

	var created string
	switch v := event.CreateTime.(type) {
	case json.Number:
		created = v.String()
	case string:
		created = strings.TrimSpace(v)
	}

	return relay.Trigger{UserKey: strings.TrimSpace(event.FromUserName), CreatedAt: created}, nil
}
