package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Publisher receives alerts from the pipeline. Implementations must not block.
type Publisher interface {
	Publish(alert Alert)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(alert Alert)

// Publish calls f.
func (f PublisherFunc) Publish(alert Alert) { f(alert) }

// DispatcherOptions tune the fan-out queue.
type DispatcherOptions struct {
	QueueSize     int
	Workers       int
	NotifyTimeout time.Duration
}

// Dispatcher 将告警异步分发给所有订阅者。
type Dispatcher struct {
	opts   DispatcherOptions
	logger zerolog.Logger

	mu        sync.RWMutex
	notifiers []Notifier
	closed    bool

	queue chan Alert
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher constructs a dispatcher. Call Start before publishing.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger.With().Str("component", "alert_dispatcher").Logger(),
		queue:  make(chan Alert, opts.QueueSize),
	}
}

// Subscribe adds a notifier. Safe to call while running.
func (d *Dispatcher) Subscribe(n Notifier) {
	if n == nil {
		return
	}
	d.mu.Lock()
	d.notifiers = append(d.notifiers, n)
	d.mu.Unlock()
}

// Start launches the worker pool. Workers exit after Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
	})
}

// Publish 入队告警，队列已满时丢弃并记录错误。
func (d *Dispatcher) Publish(a Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("alert_id", a.ID).Msg("dispatcher closed, alert dropped")
		return
	}
	select {
	case d.queue <- a:
		d.logger.Debug().Str("alert_id", a.ID).Msg("alert queued")
	default:
		d.logger.Error().Str("alert_id", a.ID).Str("title", a.Title).Msg("alert queue full, dropping alert")
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for a := range d.queue {
		d.deliver(ctx, a)
	}
	d.logger.Debug().Int("worker", id).Msg("dispatcher worker stopped")
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	d.mu.RLock()
	targets := make([]Notifier, len(d.notifiers))
	copy(targets, d.notifiers)
	d.mu.RUnlock()

	for _, n := range targets {
		nctx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
		if err := n.Notify(nctx, a); err != nil {
			d.logger.Error().Err(err).Str("alert_id", a.ID).Msg("告警推送失败")
		}
		cancel()
	}
}

var (
	_ Publisher = (*Dispatcher)(nil)
	_ Publisher = PublisherFunc(nil)
)
