package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/models"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidFileID is returned for an empty or blank file id.
	ErrInvalidFileID = errors.New("invalid file id")
	// ErrCorruptPartition marks a stored partition that could not be decoded.
	ErrCorruptPartition = errors.New("corrupt share partition")
)

// PartitionStore persists one ordered list of entries per day key.
// Load returns an empty slice for a day that was never saved.
type PartitionStore interface {
	Load(ctx context.Context, date string) ([]models.ShareEntry, error)
	Save(ctx context.Context, date string, entries []models.ShareEntry) error
	Dates(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, date string) error
}

// Observer receives one call per ledger operation.
type Observer interface {
	LedgerOperation(op string, err error)
}

// Ledger keeps today's de-duplicated shares, most recent first. Every
// operation is a read-modify-write of one partition and runs under a single
// mutex, so writers within this process never lose updates.
type Ledger struct {
	store    PartitionStore
	loc      *time.Location
	observer Observer

	mu  sync.Mutex
	now func() time.Time
}

// New builds a Ledger over store whose days begin at midnight in loc.
func New(store PartitionStore, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{store: store, loc: loc, now: time.Now}
}

// WithObserver attaches an observer and returns l.
func (l *Ledger) WithObserver(o Observer) *Ledger {
	l.observer = o
	return l
}

// Today returns the current partition key.
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(dateLayout)
}

// Add records fileID in today's partition. It reports true when the id was
// already present, in which case nothing is written.
func (l *Ledger) Add(ctx context.Context, fileID string) (alreadyPresent bool, err error) {
	defer func() { l.observe("add", err) }()
	if err := validate(fileID); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.Today()
	entries, err := l.load(ctx, today)
	if err != nil {
		return false, err
	}
	if indexOf(entries, fileID) >= 0 {
		return true, nil
	}

	entry := models.ShareEntry{FileID: fileID, Timestamp: l.now().UTC()}
	entries = append([]models.ShareEntry{entry}, entries...)
	if err := l.store.Save(ctx, today, entries); err != nil {
		return false, fmt.Errorf("save partition %s: %w", today, err)
	}
	return false, nil
}

// Remove deletes fileID from today's partition and reports whether it was
// there. The partition is only rewritten when it changed.
func (l *Ledger) Remove(ctx context.Context, fileID string) (found bool, err error) {
	defer func() { l.observe("remove", err) }()
	if err := validate(fileID); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.Today()
	entries, err := l.load(ctx, today)
	if err != nil {
		return false, err
	}
	idx := indexOf(entries, fileID)
	if idx < 0 {
		return false, nil
	}

	kept := make([]models.ShareEntry, 0, len(entries)-1)
	for _, e := range entries {
		if e.FileID != fileID {
			kept = append(kept, e)
		}
	}
	if err := l.store.Save(ctx, today, kept); err != nil {
		return false, fmt.Errorf("save partition %s: %w", today, err)
	}
	return true, nil
}

// Status reports whether fileID is shared today.
func (l *Ledger) Status(ctx context.Context, fileID string) (shared bool, err error) {
	defer func() { l.observe("status", err) }()
	if err := validate(fileID); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx, l.Today())
	if err != nil {
		return false, err
	}
	return indexOf(entries, fileID) >= 0, nil
}

// ListToday returns today's entries, most recent first.
func (l *Ledger) ListToday(ctx context.Context) (entries []models.ShareEntry, err error) {
	defer func() { l.observe("list", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err = l.load(ctx, l.Today())
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.ShareEntry{}
	}
	return entries, nil
}

// ExpireStale deletes every partition other than today's and returns the
// keys it removed. A failed delete does not stop the sweep.
func (l *Ledger) ExpireStale(ctx context.Context) (removed []string, err error) {
	defer func() { l.observe("expire", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	logger := logging.FromContext(ctx)
	today := l.Today()

	dates, err := l.store.Dates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var errs []error
	for _, date := range dates {
		if date == today {
			continue
		}
		if err := l.store.Delete(ctx, date); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", date, err))
			continue
		}
		removed = append(removed, date)
		logger.Info("expired share partition", "date", date)
	}
	return removed, errors.Join(errs...)
}

func (l *Ledger) load(ctx context.Context, date string) ([]models.ShareEntry, error) {
	entries, err := l.store.Load(ctx, date)
	if errors.Is(err, ErrCorruptPartition) {
		logging.FromContext(ctx).Warn("share partition unreadable, treating as empty", "date", date, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load partition %s: %w", date, err)
	}
	return entries, nil
}

func (l *Ledger) observe(op string, err error) {
	if l.observer == nil || errors.Is(err, ErrInvalidFileID) {
		return
	}
	l.observer.LedgerOperation(op, err)
}

func validate(fileID string) error {
	if strings.TrimSpace(fileID) == "" {
		return ErrInvalidFileID
	}
	return nil
}

func indexOf(entries []models.ShareEntry, fileID string) int {
	for i, e := range entries {
		if e.FileID == fileID {
			return i
		}
	}
	return -1
}
