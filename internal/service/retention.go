package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/scheduler"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	DeleteReadingsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Locker guards a prune pass when several processes share one database.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// RetentionOptions configure the retention service.
type RetentionOptions struct {
	MaxAge   time.Duration
	Interval time.Duration
	// LockKey selects the advisory lock; zero or a nil Locker disables locking.
	LockKey int64
	Locker  Locker
}

// PruneResult reports one pass.
type PruneResult struct {
	Cutoff   time.Time
	Readings int64
	Alerts   int64
	Skipped  bool
}

// Retention periodically drops readings and alerts older than MaxAge.
type Retention struct {
	opts   RetentionOptions
	store  Pruner
	logger zerolog.Logger
}

// NewRetention constructs the retention service.
func NewRetention(store Pruner, opts RetentionOptions, logger zerolog.Logger) *Retention {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Retention{opts: opts, store: store, logger: logger.With().Str("component", "retention").Logger()}
}

// Run prunes once immediately, then on every aligned interval until ctx ends.
func (r *Retention) Run(ctx context.Context) error {
	if r.store == nil || r.opts.MaxAge <= 0 {
		return nil
	}
	sched := scheduler.New(scheduler.Options{Interval: r.opts.Interval, AlignToStart: true, Immediate: true}, r.logger)
	err := sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := r.Prune(ctx, at)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Prune 删除 now-MaxAge 之前的读数与告警。
func (r *Retention) Prune(ctx context.Context, now time.Time) (PruneResult, error) {
	res := PruneResult{Cutoff: now.Add(-r.opts.MaxAge).UTC()}

	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return res, err
	}
	if !proceed {
		r.logger.Debug().Time("cutoff", res.Cutoff).Msg("skip prune because advisory lock held elsewhere")
		res.Skipped = true
		return res, nil
	}
	if unlock != nil {
		defer unlock()
	}

	if res.Readings, err = r.store.DeleteReadingsBefore(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("prune readings: %w", err)
	}
	if res.Alerts, err = r.store.DeleteAlertsBefore(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("prune alerts: %w", err)
	}

	r.logger.Info().
		Time("cutoff", res.Cutoff).
		Int64("readings", res.Readings).
		Int64("alerts", res.Alerts).
		Msg("history pruned")
	return res, nil
}

func (r *Retention) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.opts.Locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
