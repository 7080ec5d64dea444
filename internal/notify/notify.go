// Package notify forwards status variable changes to external sinks (MQTT,
// InfluxDB). Changes are queued by the event loop and delivered on a separate
// goroutine so a slow broker never stalls command processing.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"device-simulator/internal/logging"
	"device-simulator/internal/model"
)

const deliverTimeout = 5 * time.Second

// Notifier delivers a single change to one sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, c model.StateChange) error
	Close() error
}

// Fanout queues changes and hands each one to every notifier in order.
type Fanout struct {
	log       *logging.Logger
	notifiers []Notifier
	q         chan model.StateChange

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewFanout starts the delivery goroutine. size bounds the queue.
func NewFanout(size int, log *logging.Logger, notifiers ...Notifier) *Fanout {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logging.Discard()
	}
	f := &Fanout{
		log:       log,
		notifiers: notifiers,
		q:         make(chan model.StateChange, size),
		done:      make(chan struct{}),
	}
	go f.run()
	return f
}

// Len reports the number of notifiers.
func (f *Fanout) Len() int { return len(f.notifiers) }

// Dropped reports how many changes were rejected because the queue was full.
func (f *Fanout) Dropped() int64 { return f.dropped.Load() }

// Handle queues c without blocking. It is safe to call from the event loop.
func (f *Fanout) Handle(c model.StateChange) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	select {
	case f.q <- c:
		return nil
	default:
		f.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close delivers what is still queued and then closes every notifier.
func (f *Fanout) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.q)
		f.mu.Unlock()
		<-f.done

		var errs []error
		for _, n := range f.notifiers {
			errs = append(errs, n.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

func (f *Fanout) run() {
	defer close(f.done)
	for c := range f.q {
		for _, n := range f.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			if err := n.Notify(ctx, c); err != nil {
				f.log.Warn("state change delivery failed",
					"notifier", n.Name(),
					"device", c.Device,
					"variable", c.Variable,
					"error", err,
				)
			}
			cancel()
		}
	}
}
