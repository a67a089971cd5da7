package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	JobRenewal = "renewal"
	JobExpiry  = "expiry"
	JobOrphans = "orphans"
)

// ErrInvalidConfig is returned by New when the sweeper cannot be built.
var ErrInvalidConfig = errors.New("invalid jobs config")

// RenewalSweeper renews accounts whose weekly period has elapsed.
type RenewalSweeper interface {
	RenewDueAccounts(ctx context.Context) (int, error)
}

// PaymentSweeper settles overdue intents and finds charges without an intent.
type PaymentSweeper interface {
	ExpireOverdue(ctx context.Context) (int, error)
	ReconcileOrphans(ctx context.Context, window time.Duration) (payment.OrphanReport, error)
}

// SweepObserver is told about every finished pass.
type SweepObserver interface {
	ObserveSweep(job string, err error)
}

// Config sets the job periods. A zero interval disables the job.
type Config struct {
	RenewalInterval time.Duration
	ExpiryInterval  time.Duration
	OrphanInterval  time.Duration
	OrphanWindow    time.Duration
}

// Report summarizes one pass of every job.
type Report struct {
	Renewed int
	Expired int
	Orphans payment.OrphanReport
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithObserver sets the sweep observer.
func WithObserver(observer SweepObserver) Option {
	return func(manager *Manager) {
		manager.observer = observer
	}
}

// Manager runs the periodic renewal, expiry and orphan sweeps.
type Manager struct {
	renewals RenewalSweeper
	payments PaymentSweeper
	config   Config
	logger   *zap.Logger
	observer SweepObserver

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Manager.
func New(renewals RenewalSweeper, payments PaymentSweeper, config Config, options ...Option) (*Manager, error) {
	if renewals == nil || payments == nil {
		return nil, fmt.Errorf("%w: sweepers are required", ErrInvalidConfig)
	}
	if config.RenewalInterval < 0 || config.ExpiryInterval < 0 || config.OrphanInterval < 0 {
		return nil, fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	if config.OrphanInterval > 0 && config.OrphanWindow <= 0 {
		return nil, fmt.Errorf("%w: orphan window is required", ErrInvalidConfig)
	}
	manager := &Manager{
		renewals: renewals,
		payments: payments,
		config:   config,
		logger:   zap.NewNop(),
		stopCh:   make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Start launches one goroutine per enabled job. Jobs stop when ctx is done or Stop is called.
func (manager *Manager) Start(ctx context.Context) {
	manager.logger.Info("starting sweep jobs",
		zap.Duration("renewal_interval", manager.config.RenewalInterval),
		zap.Duration("expiry_interval", manager.config.ExpiryInterval),
		zap.Duration("orphan_interval", manager.config.OrphanInterval),
	)
	manager.schedule(ctx, JobRenewal, manager.config.RenewalInterval, func(ctx context.Context) error {
		_, err := manager.runRenewal(ctx)
		return err
	})
	manager.schedule(ctx, JobExpiry, manager.config.ExpiryInterval, func(ctx context.Context) error {
		_, err := manager.runExpiry(ctx)
		return err
	})
	manager.schedule(ctx, JobOrphans, manager.config.OrphanInterval, func(ctx context.Context) error {
		_, err := manager.runOrphans(ctx)
		return err
	})
}

// Stop halts the jobs and waits for running passes to finish.
func (manager *Manager) Stop() {
	manager.stopOnce.Do(func() {
		manager.logger.Info("stopping sweep jobs")
		close(manager.stopCh)
	})
	manager.wg.Wait()
}

// RunOnce runs every job a single time, in renewal, expiry, orphan order.
func (manager *Manager) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
		err    error
	)
	if report.Renewed, err = manager.runRenewal(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Expired, err = manager.runExpiry(ctx); err != nil {
		errs = append(errs, err)
	}
	window := manager.config.OrphanWindow
	if window > 0 {
		if report.Orphans, err = manager.runOrphans(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (manager *Manager) schedule(ctx context.Context, job string, interval time.Duration, run func(context.Context) error) {
	if interval <= 0 {
		return
	}
	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-manager.stopCh:
				return
			case <-ticker.C:
				if err := run(ctx); err != nil && ctx.Err() == nil {
					manager.logger.Error("sweep failed", zap.String("job", job), zap.Error(err))
				}
			}
		}
	}()
}

func (manager *Manager) runRenewal(ctx context.Context) (int, error) {
	renewed, err := manager.renewals.RenewDueAccounts(ctx)
	manager.observe(JobRenewal, err)
	if renewed > 0 {
		manager.logger.Info("accounts renewed", zap.Int("count", renewed))
	}
	return renewed, err
}

func (manager *Manager) runExpiry(ctx context.Context) (int, error) {
	settled, err := manager.payments.ExpireOverdue(ctx)
	manager.observe(JobExpiry, err)
	if settled > 0 {
		manager.logger.Info("overdue intents settled", zap.Int("count", settled))
	}
	return settled, err
}

func (manager *Manager) runOrphans(ctx context.Context) (payment.OrphanReport, error) {
	report, err := manager.payments.ReconcileOrphans(ctx, manager.config.OrphanWindow)
	manager.observe(JobOrphans, err)
	if report.Orphans > 0 {
		manager.logger.Warn("gateway charges without intent found",
			zap.Int("orphans", report.Orphans),
			zap.Int("backfilled", report.Backfilled),
			zap.Int("unresolved", report.Unresolved),
		)
	}
	if report.Failed > 0 {
		manager.logger.Error("gateway charges left unapplied", zap.Int("failed", report.Failed))
	}
	return report, err
}

func (manager *Manager) observe(job string, err error) {
	if manager.observer != nil {
		manager.observer.ObserveSweep(job, err)
	}
}
