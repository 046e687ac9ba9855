package handlers

import (
	"context"

	"github.com/emojirelay/backend/internal/models"
	"github.com/emojirelay/backend/internal/relay"
)

// RelayDispatcher starts a background relay run for an inbound message event.
type RelayDispatcher interface {
	Dispatch(ctx context.Context, trigger relay.Trigger) error
}

// ShareLedger captures the daily share operations exposed over HTTP.
type ShareLedger interface {
	Add(ctx context.Context, fileID string) (bool, error)
	Remove(ctx context.Context, fileID string) (bool, error)
	Status(ctx context.Context, fileID string) (bool, error)
	ListToday(ctx context.Context) ([]models.ShareEntry, error)
}
