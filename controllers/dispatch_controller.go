package controllers

import (
	"context"
	"math/rand"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/reconcile"
)

const (
	DefaultTick               = time.Second
	DefaultDispatchInterval   = 11500 * time.Millisecond
	DefaultDispatchJitter     = time.Second
	DefaultExpirationInterval = 12 * time.Second
)

type DispatchOptions struct {
	Tick     time.Duration
	Interval time.Duration
	// Jitter is added to Interval once, when the controller is built, so
	// instances started together drift apart.
	Jitter time.Duration
}

// DispatchController submits queued tasks and drains engine events.
type DispatchController struct {
	*Loop
	engine *reconcile.Engine
}

func NewDispatchController(engine *reconcile.Engine, opts DispatchOptions) *DispatchController {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultDispatchInterval
	}
	interval := opts.Interval
	if opts.Jitter > 0 {
		interval += time.Duration(rand.Int63n(int64(opts.Jitter)))
	}
	c := &DispatchController{engine: engine}
	c.Loop = NewLoop("dispatch", opts.Tick, interval, c.reconcile)
	return c
}

func (c *DispatchController) reconcile(ctx context.Context) error {
	return c.engine.DispatchOnce(ctx)
}
