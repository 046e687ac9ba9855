package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/emojirelay/backend/internal/logging"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ShareHandler exposes the daily share ledger.
type ShareHandler struct {
	Ledger ShareLedger
}

type shareRequest struct {
	FileID string `json:"fileId" validate:"required,max=1024"`
}

type shareAddResponse struct {
	AlreadyShared bool `json:"alreadyShared"`
}

type shareStatusResponse struct {
	FileID string `json:"fileId"`
	Shared bool   `json:"shared"`
}

// Collection implements GET /api/shares (list today) and POST /api/shares (add).
func (h ShareHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.add(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h ShareHandler) add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}

	req, ok := decodeShareRequest(w, r)
	if !ok {
		return
	}

	already, err := h.Ledger.Add(ctx, req.FileID)
	if err != nil {
		logging.FromContext(ctx).Error("add share", "fileId", req.FileID, "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	message := "Share recorded"
	if already {
		message = "Already shared today"
	}
	respondOK(ctx, w, message, shareAddResponse{AlreadyShared: already})
}

// Remove implements POST /api/shares/remove.
func (h ShareHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}

	req, ok := decodeShareRequest(w, r)
	if !ok {
		return
	}

	found, err := h.Ledger.Remove(ctx, req.FileID)
	if err != nil {
		logging.FromContext(ctx).Error("remove share", "fileId", req.FileID, "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !found {
		respondError(ctx, w, http.StatusNotFound, "Share not found")
		return
	}
	respondOK(ctx, w, "Share removed", nil)
}

// Status implements GET /api/shares/status?fileId=.
func (h ShareHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}

	req := shareRequest{FileID: strings.TrimSpace(r.URL.Query().Get("fileId"))}
	if err := validate.Struct(req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, validationMessage(err))
		return
	}

	shared, err := h.Ledger.Status(ctx, req.FileID)
	if err != nil {
		logging.FromContext(ctx).Error("share status", "fileId", req.FileID, "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondOK(ctx, w, "", shareStatusResponse{FileID: req.FileID, Shared: shared})
}

func (h ShareHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}

	entries, err := h.Ledger.ListToday(ctx)
	if err != nil {
		logging.FromContext(ctx).Error("list shares", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondOK(ctx, w, "", entries)
}

func (h ShareHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.Ledger != nil {
		return true
	}
	logging.FromContext(r.Context()).Error("share ledger unavailable")
	respondError(r.Context(), w, http.StatusInternalServerError, "Internal server error")
	return false
}

func decodeShareRequest(w http.ResponseWriter, r *http.Request) (shareRequest, bool) {
	ctx := r.Context()

	var req shareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&req); err != nil {
		logging.FromContext(ctx).Warn("invalid share payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return req, false
	}

	req.FileID = strings.TrimSpace(req.FileID)
	if err := validate.Struct(req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, validationMessage(err))
		return req, false
	}
	return req, true
}

// validationMessage turns the first failed rule into a client-facing sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}

	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
