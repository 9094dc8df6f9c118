package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type delivery struct {
	userID  int64
	outcome Outcome
}

// Dispatcher queues outcomes and delivers them from a background goroutine so
// a slow notifier never stalls a reconciliation cycle.
type Dispatcher struct {
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration

	queue chan delivery
	once  sync.Once
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(notifier Notifier, logger *zap.Logger, size int, timeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		timeout:  timeout,
		queue:    make(chan delivery, size),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify enqueues the outcome. It never blocks: a full queue drops it.
func (d *Dispatcher) Notify(_ context.Context, userID int64, o Outcome) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("notification after close dropped", zap.Int64("user_id", userID), zap.String("kind", string(o.Kind)))
		return nil
	}
	select {
	case d.queue <- delivery{userID: userID, outcome: o}:
	default:
		d.logger.Warn("notification queue full, dropping",
			zap.Int64("user_id", userID),
			zap.String("kind", string(o.Kind)),
			zap.String("intent_id", o.IntentID.String()),
		)
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for item := range d.queue {
		d.deliver(item)
	}
}

func (d *Dispatcher) deliver(item delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, item.userID, item.outcome); err != nil {
		d.logger.Error("notification failed",
			zap.Int64("user_id", item.userID),
			zap.String("kind", string(item.outcome.Kind)),
			zap.Error(err),
		)
	}
}

// Close stops accepting outcomes and waits until the queue is drained or ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
