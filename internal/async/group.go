package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned for work submitted after Shutdown began.
var ErrClosed = errors.New("async group closed")

// Group runs detached tasks with panic recovery and lets the owner wait for
// them on shutdown. It imposes no concurrency limit and keeps no queue.
type Group struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewGroup constructs a Group whose tasks log through logger.
func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{logger: logger, ctx: ctx, cancel: cancel}
}

// Go starts fn in its own goroutine. fn receives a context that is canceled
// only when Shutdown gives up waiting.
func (g *Group) Go(name string, fn func(ctx context.Context)) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	g.inFlight.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inFlight.Add(-1)
		defer Recover(g.logger, name)
		fn(g.ctx)
	}()
	return nil
}

// InFlight reports the number of running tasks.
func (g *Group) InFlight() int {
	return int(g.inFlight.Load())
}

// Shutdown stops accepting tasks and waits for running ones. When ctx expires
// first, running tasks are canceled and ctx.Err() is returned.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		return ctx.Err()
	}
}

// Recover logs a panic from the current goroutine instead of crashing.
func Recover(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		logger.Error("goroutine panic",
			slog.String("task", name),
			slog.String("panic", fmt.Sprint(r)),
			slog.String("stack", string(debug.Stack())),
		)
	}
}
