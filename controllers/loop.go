package controllers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
)

// Loop runs a body on a fixed interval. It wakes every tick and runs the body
// once interval has elapsed since the previous run; the first run happens one
// tick after Start. Errors from the body are logged and the loop keeps going.
type Loop struct {
	name     string
	tick     time.Duration
	interval time.Duration
	body     func(ctx context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewLoop(name string, tick, interval time.Duration, body func(ctx context.Context) error) *Loop {
	if tick <= 0 {
		tick = time.Second
	}
	if interval < tick {
		interval = tick
	}
	return &Loop{name: name, tick: tick, interval: interval, body: body, done: make(chan struct{})}
}

func (l *Loop) Name() string            { return l.name }
func (l *Loop) Interval() time.Duration { return l.interval }

// Start launches the loop in its own goroutine. Calling it again is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop asks the loop to exit. It is safe to call more than once and before Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		l.started = true
		close(l.done)
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
}

// Wait blocks until the loop goroutine has returned.
func (l *Loop) Wait() {
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	t := time.NewTicker(l.tick)
	defer t.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s loop stopped", l.name)
			return
		case now := <-t.C:
			if !last.IsZero() && now.Sub(last) < l.interval {
				continue
			}
			last = now
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	observability.Default.IncCounter("loop_ticks_total", map[string]string{"loop": l.name}, 1)
	if err := l.body(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.Default.IncCounter("loop_tick_errors_total", map[string]string{"loop": l.name}, 1)
		log.Printf("%s tick failed err=%v", l.name, err)
	}
}
