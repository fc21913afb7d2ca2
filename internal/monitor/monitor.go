package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/pipeline"
	"gridwatch/internal/scheduler"
	"gridwatch/internal/source"
	"gridwatch/internal/telemetry"
)

var (
	// ErrRunning is returned by Start when the monitor is already running.
	ErrRunning = errors.New("monitor already running")
	// ErrStopped is returned by HandlePayload when the monitor is not running.
	ErrStopped = errors.New("monitor not running")
)

// ReadingRecorder persists accepted readings. Failures are logged, never fatal.
type ReadingRecorder interface {
	RecordReading(ctx context.Context, r telemetry.Reading) error
}

// Options tune the runtime loop.
type Options struct {
	GeneratorInterval time.Duration
	// Feed is the live source; nil runs on the generator only.
	Feed source.Feed
	// RetryInterval is how long to wait before reconnecting a failed feed. Zero disables retries.
	RetryInterval time.Duration
	// AnnounceStart publishes the informational start-up alert on every Start.
	AnnounceStart bool
	Recorder      ReadingRecorder
	Clock         func() time.Time
}

// Monitor 负责启动/停止采样循环，并在实时数据不可用时切换到模拟数据。
type Monitor struct {
	proc      *pipeline.Processor
	adapter   *source.Adapter
	generator *source.Generator
	opts      Options
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	status source.Status
	live   bool
}

// New constructs a Monitor around an existing processor.
func New(proc *pipeline.Processor, adapter *source.Adapter, generator *source.Generator, opts Options, logger zerolog.Logger) *Monitor {
	if opts.GeneratorInterval <= 0 {
		opts.GeneratorInterval = source.DefaultGeneratorInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Monitor{
		proc:      proc,
		adapter:   adapter,
		generator: generator,
		opts:      opts,
		logger:    logger.With().Str("component", "monitor").Logger(),
		status:    source.StatusStopped,
	}
}

// Run starts the monitor and blocks until ctx is cancelled, then stops it.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return nil
}

// Start launches the generator loop and, when configured, the live feed.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.live = false
	if m.opts.Feed != nil {
		m.status = source.StatusConnecting
	} else {
		m.status = source.StatusSimulation
	}

	if m.opts.AnnounceStart {
		m.proc.EmitSystemStarted()
	}

	sched := scheduler.New(scheduler.Options{Interval: m.opts.GeneratorInterval, Immediate: true}, m.logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = sched.Run(runCtx, m.tick)
	}()

	if m.opts.Feed != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runFeed(runCtx)
		}()
	}

	m.logger.Info().Str("status", string(m.status)).Dur("interval", m.opts.GeneratorInterval).Msg("monitoring started")
	return nil
}

// Stop cancels all loops and timers and clears all state. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}

	m.proc.Reset()
	m.adapter.Reset()

	m.mu.Lock()
	m.status = source.StatusStopped
	m.live = false
	m.mu.Unlock()

	if cancel != nil {
		m.logger.Info().Msg("monitoring stopped")
	}
}

// Reset clears windows, detector state, pending alerts and throttle without stopping.
func (m *Monitor) Reset() {
	m.proc.Reset()
	m.adapter.Reset()
	m.logger.Info().Msg("monitor state reset")
}

// Status returns the data-source indicator.
func (m *Monitor) Status() source.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Processor exposes the pipeline for stats queries.
func (m *Monitor) Processor() *pipeline.Processor {
	return m.proc
}

func (m *Monitor) tick(ctx context.Context, _ time.Time) error {
	now := m.opts.Clock()
	if m.isLive() {
		m.proc.Advance(now)
		return nil
	}
	r := m.generator.Next(now)
	m.proc.PushReading(r)
	m.record(ctx, r)
	return nil
}

// HandlePayload feeds one live payload through the adapter.
// It returns ErrStopped when the monitor is not running.
func (m *Monitor) HandlePayload(ctx context.Context, p source.Payload) (source.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return source.NoData, err
	}
	if !m.running() {
		return source.NoData, ErrStopped
	}
	r, outcome := m.adapter.Accept(p, m.opts.Clock())
	switch outcome {
	case source.NoData:
		if m.setLive(false) {
			m.logger.Warn().Msg("no data from live feed, falling back to simulation")
		}
	case source.Throttled:
		m.setLive(true)
	case source.Accepted:
		if m.setLive(true) {
			m.logger.Info().Msg("live data received")
		}
		if r.VoltageEstimated {
			m.logger.Debug().Float64("voltage", r.Voltage).Msg("live reading uses estimated voltage")
		}
		m.proc.PushReading(r)
		m.record(ctx, r)
	}
	return outcome, nil
}

func (m *Monitor) runFeed(ctx context.Context) {
	for {
		err := m.opts.Feed.Run(ctx, func(p source.Payload) { _, _ = m.HandlePayload(ctx, p) })
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = source.ErrFeedClosed
		}
		m.setLive(false)
		m.logger.Warn().Err(err).Msg("live feed unavailable, running on simulation")

		if m.opts.RetryInterval <= 0 {
			return
		}
		timer := time.NewTimer(m.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.mu.Lock()
		if m.cancel != nil {
			m.status = source.StatusConnecting
		}
		m.mu.Unlock()
	}
}

// setLive updates the mode and reports whether it changed.
func (m *Monitor) setLive(live bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return false
	}
	changed := m.live != live
	m.live = live
	if live {
		m.status = source.StatusLive
	} else {
		m.status = source.StatusSimulation
	}
	return changed
}

func (m *Monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) isLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Monitor) record(ctx context.Context, r telemetry.Reading) {
	if m.opts.Recorder == nil {
		return
	}
	if err := m.opts.Recorder.RecordReading(ctx, r); err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Msg("failed to record reading")
	}
}
