package server

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// TurnProcessor runs one dialogue turn. Implemented by the engine
// orchestrator.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req model.TurnRequest) (model.TurnResult, error)
}

// Dispatcher runs accepted webhook events on a bounded worker pool. The
// webhook handler acks immediately; turns execute here. Per-thread ordering
// is not the pool's job — concurrent turns on one thread serialize through
// the checkpoint version contract.
type Dispatcher struct {
	processor TurnProcessor
	sender    Sender
	logger    *slog.Logger
	group     *errgroup.Group
	groupCtx  context.Context
	closed    atomic.Bool
}

// NewDispatcher creates a dispatcher with the given pool size. ctx bounds
// the lifetime of all submitted work.
func NewDispatcher(ctx context.Context, processor TurnProcessor, sender Sender, workers int, logger *slog.Logger) *Dispatcher {
	g, gctx := errgroup.WithContext(ctx)
	if workers <= 0 {
		workers = 16
	}
	g.SetLimit(workers)
	return &Dispatcher{
		processor: processor,
		sender:    sender,
		logger:    logger,
		group:     g,
		groupCtx:  gctx,
	}
}

// Submit schedules one turn. Returns false when the dispatcher is shutting
// down. Submit blocks while all workers are busy, which backpressures the
// webhook handler before it acks.
func (d *Dispatcher) Submit(req model.TurnRequest) bool {
	if d.closed.Load() {
		return false
	}
	d.group.Go(func() error {
		d.run(req)
		return nil // worker errors never cancel siblings
	})
	return true
}

func (d *Dispatcher) run(req model.TurnRequest) {
	result, err := d.processor.ProcessTurn(d.groupCtx, req)
	if err != nil {
		d.logger.Error("dispatch: turn failed",
			"thread_id", req.ThreadID, "event", req.Event, "error", err)
		return
	}
	if result.OutboundText == "" || d.sender == nil {
		return
	}
	if err := d.sender.Send(d.groupCtx, req.ThreadID, result.OutboundText); err != nil {
		d.logger.Error("dispatch: send failed", "thread_id", req.ThreadID, "error", err)
	}
}

// Drain stops accepting work and waits for in-flight turns to finish.
func (d *Dispatcher) Drain() {
	d.closed.Store(true)
	_ = d.group.Wait()
}
