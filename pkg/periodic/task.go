package periodic

import (
	"context"
	"sync"
	"time"
)

// Task runs a function on a fixed interval until stopped. Start and Stop are
// idempotent; cycles never overlap. fn must not call Stop on its own task.
type Task struct {
	interval  time.Duration
	immediate bool
	fn        func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Task)

// WithImmediate runs the first cycle as soon as the task starts instead of
// after the first interval.
func WithImmediate() Option {
	return func(t *Task) {
		t.immediate = true
	}
}

func New(interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	t := &Task{
		interval: interval,
		fn:       fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the loop. A running loop is stopped first so a restart
// never leaves two loops alive.
func (t *Task) Start(ctx context.Context) {
	t.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.loop(runCtx, done)
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if t.immediate {
		t.fn(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// SetInterval changes the interval used by the next Start.
func (t *Task) SetInterval(interval time.Duration) {
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()
}
