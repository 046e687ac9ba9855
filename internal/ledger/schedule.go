package ledger

import (
	"context"
	"time"

	"github.com/emojirelay/backend/internal/logging"
)

// NextMidnight returns the first midnight in loc strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// ScheduleExpiry runs ExpireStale at every midnight in the ledger's location
// until ctx is done. Sweep failures are logged and the loop continues.
func (l *Ledger) ScheduleExpiry(ctx context.Context) error {
	return l.scheduleExpiry(ctx, time.After)
}

func (l *Ledger) scheduleExpiry(ctx context.Context, after func(time.Duration) <-chan time.Time) error {
	logger := logging.FromContext(ctx)
	for {
		now := l.now()
		wait := NextMidnight(now, l.loc).Sub(now)
		logger.Info("share expiry scheduled", "in", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-after(wait):
		}

		removed, err := l.ExpireStale(ctx)
		if err != nil {
			logger.Error("share expiry failed", "error", err)
			continue
		}
		logger.Info("share expiry completed", "removed", len(removed))
	}
}
