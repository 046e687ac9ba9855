package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/messages"
	"github.com/emojirelay/backend/internal/models"
	"github.com/emojirelay/backend/internal/notify"
)

// State names a step of a relay run.
type State string

const (
	StateTriggered      State = "triggered"
	StateFetched        State = "fetched"
	StateTransferred    State = "transferred"
	StateTransferFailed State = "transfer_failed"
	StateNotified       State = "notified"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// Trigger is the inbound event that starts a run.
type Trigger struct {
	UserKey   string
	CreatedAt string
}

// ItemFetcher returns the newest item a user sent, or nil when there is none.
type ItemFetcher interface {
	FetchLatest(ctx context.Context, hints messages.Hints) (*models.Item, error)
}

// AssetTransfer copies an asset into durable storage and returns its reference.
type AssetTransfer interface {
	Transfer(ctx context.Context, sourceURL string) (string, error)
}

// Notifier tells the user where their asset ended up.
type Notifier interface {
	Notify(ctx context.Context, userKey string, batch []notify.Delivery) error
}

// Executor runs detached tasks.
type Executor interface {
	Go(name string, fn func(ctx context.Context)) error
}

// Recorder observes finished runs.
type Recorder interface {
	PipelineFinished(state string, elapsed time.Duration)
}

// Pipeline relays one item per trigger from the platform to object storage
// and back to the user as a deep link.
type Pipeline struct {
	fetcher  ItemFetcher
	transfer AssetTransfer
	notifier Notifier
	executor Executor
	recorder Recorder
}

// NewPipeline wires the pipeline steps. recorder may be nil.
func NewPipeline(fetcher ItemFetcher, transfer AssetTransfer, notifier Notifier, executor Executor, recorder Recorder) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		transfer: transfer,
		notifier: notifier,
		executor: executor,
		recorder: recorder,
	}
}

// Dispatch schedules a run and returns immediately. The run keeps the
// request's logger and trace ids but not its cancellation.
func (p *Pipeline) Dispatch(ctx context.Context, trigger Trigger) error {
	base := logging.Detach(ctx)
	return p.executor.Go("relay:"+trigger.UserKey, func(groupCtx context.Context) {
		runCtx, cancel := context.WithCancel(base)
		defer cancel()
		stop := context.AfterFunc(groupCtx, cancel)
		defer stop()

		p.Run(runCtx, trigger)
	})
}

// Run executes the pipeline synchronously and returns its terminal state.
// Failures are logged here and never returned.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger) (state State) {
	started := time.Now()
	ctx, span := logging.StartSpan(ctx, "relay.run",
		slog.String("userKey", trigger.UserKey),
		slog.String("createTime", trigger.CreatedAt),
	)
	logger := logging.FromContext(ctx)

	defer func() {
		span.End(nil)
		if p.recorder != nil {
			p.recorder.PipelineFinished(string(state), time.Since(started))
		}
		logger.Info("relay finished", "state", string(state))
	}()

	item, err := p.fetch(ctx, trigger)
	if err != nil {
		logger.Error("fetch latest item failed", "error", err)
		return StateAborted
	}
	if item == nil {
		logger.Info("no item to relay")
		return StateAborted
	}

	ref, stored := p.store(ctx, item)

	if err := p.notify(ctx, trigger.UserKey, item, ref); err != nil {
		logger.Error("notify user failed", "error", err, "ref", ref, "transfer", string(stored))
		return StateDone
	}
	logger.Info("user notified", "ref", ref, "transfer", string(stored))
	return StateDone
}

func (p *Pipeline) fetch(ctx context.Context, trigger Trigger) (item *models.Item, err error) {
	ctx, span := logging.StartSpan(ctx, "relay.fetch")
	defer func() { span.End(err) }()

	return p.fetcher.FetchLatest(ctx, messages.Hints{UserKey: trigger.UserKey, CreatedAt: trigger.CreatedAt})
}

// store returns the reference to notify with. A failed transfer falls back to
// the item's own asset URL.
func (p *Pipeline) store(ctx context.Context, item *models.Item) (string, State) {
	ctx, span := logging.StartSpan(ctx, "relay.transfer", slog.String("msgId", item.ID))
	ref, err := p.transfer.Transfer(ctx, item.AssetURL)
	span.End(err)
	if err != nil {
		logging.FromContext(ctx).Warn("asset transfer failed, using source url", "error", err)
		return item.AssetURL, StateTransferFailed
	}
	return ref, StateTransferred
}

func (p *Pipeline) notify(ctx context.Context, userKey string, item *models.Item, ref string) (err error) {
	ctx, span := logging.StartSpan(ctx, "relay.notify")
	defer func() { span.End(err) }()

	return p.notifier.Notify(ctx, userKey, []notify.Delivery{{Item: item, Ref: ref}})
}
