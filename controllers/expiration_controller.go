package controllers

import (
	"context"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/reconcile"
)

// ExpirationController requeues or times out submitted tasks whose deadline
// has passed. It does not depend on engine events.
type ExpirationController struct {
	*Loop
	engine *reconcile.Engine
}

func NewExpirationController(engine *reconcile.Engine, tick, interval time.Duration) *ExpirationController {
	if tick <= 0 {
		tick = DefaultTick
	}
	if interval <= 0 {
		interval = DefaultExpirationInterval
	}
	c := &ExpirationController{engine: engine}
	c.Loop = NewLoop("expiration", tick, interval, c.reconcile)
	return c
}

func (c *ExpirationController) reconcile(ctx context.Context) error {
	_, err := c.engine.ExpireOnce(ctx)
	return err
}
