package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

type stubRenewals struct {
	calls   atomic.Int32
	renewed int
	err     error
}

func (stub *stubRenewals) RenewDueAccounts(context.Context) (int, error) {
	stub.calls.Add(1)
	return stub.renewed, stub.err
}

type stubPayments struct {
	expiryCalls atomic.Int32
	orphanCalls atomic.Int32
	expired     int
	report      payment.OrphanReport
	windows     []time.Duration
	mutex       sync.Mutex
}

func (stub *stubPayments) ExpireOverdue(context.Context) (int, error) {
	stub.expiryCalls.Add(1)
	return stub.expired, nil
}

func (stub *stubPayments) ReconcileOrphans(_ context.Context, window time.Duration) (payment.OrphanReport, error) {
	stub.orphanCalls.Add(1)
	stub.mutex.Lock()
	stub.windows = append(stub.windows, window)
	stub.mutex.Unlock()
	return stub.report, nil
}

type recordingObserver struct {
	mutex sync.Mutex
	jobs  map[string]int
	fails int
}

func (observer *recordingObserver) ObserveSweep(job string, err error) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	if observer.jobs == nil {
		observer.jobs = map[string]int{}
	}
	observer.jobs[job]++
	if err != nil {
		observer.fails++
	}
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		renewals RenewalSweeper
		payments PaymentSweeper
		config   Config
	}{
		{name: "missing renewals", payments: &stubPayments{}},
		{name: "missing payments", renewals: &stubRenewals{}},
		{name: "negative interval", renewals: &stubRenewals{}, payments: &stubPayments{}, config: Config{ExpiryInterval: -time.Second}},
		{name: "orphan job without window", renewals: &stubRenewals{}, payments: &stubPayments{}, config: Config{OrphanInterval: time.Minute}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			if _, err := New(testCase.renewals, testCase.payments, testCase.config); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRunOnceRunsEveryJobAndJoinsErrors(test *testing.T) {
	test.Parallel()
	renewals := &stubRenewals{renewed: 3, err: errors.New("renewal store down")}
	payments := &stubPayments{expired: 2, report: payment.OrphanReport{Scanned: 4, Orphans: 1, Backfilled: 1}}
	observer := &recordingObserver{}
	manager, err := New(renewals, payments, Config{OrphanWindow: 48 * time.Hour}, WithObserver(observer))
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}

	report, err := manager.RunOnce(context.Background())
	if err == nil || !errors.Is(err, renewals.err) {
		test.Fatalf("expected the renewal error to surface, got %v", err)
	}
	if report.Renewed != 3 || report.Expired != 2 || report.Orphans.Backfilled != 1 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if len(payments.windows) != 1 || payments.windows[0] != 48*time.Hour {
		test.Fatalf("unexpected orphan windows: %v", payments.windows)
	}
	if observer.jobs[JobRenewal] != 1 || observer.jobs[JobExpiry] != 1 || observer.jobs[JobOrphans] != 1 || observer.fails != 1 {
		test.Fatalf("unexpected observations: %+v", observer)
	}
}

func TestRunOnceSkipsOrphansWithoutWindow(test *testing.T) {
	test.Parallel()
	payments := &stubPayments{}
	manager, err := New(&stubRenewals{}, payments, Config{})
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}
	if _, err := manager.RunOnce(context.Background()); err != nil {
		test.Fatalf("run once: %v", err)
	}
	if payments.orphanCalls.Load() != 0 {
		test.Fatalf("expected no orphan reconciliation, got %d", payments.orphanCalls.Load())
	}
}

func TestStartTicksUntilStopped(test *testing.T) {
	test.Parallel()
	renewals := &stubRenewals{}
	payments := &stubPayments{}
	manager, err := New(renewals, payments, Config{RenewalInterval: 5 * time.Millisecond, ExpiryInterval: 5 * time.Millisecond})
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}
	manager.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for renewals.calls.Load() < 2 || payments.expiryCalls.Load() < 2 {
		if time.Now().After(deadline) {
			test.Fatalf("jobs did not tick: renewals=%d expiry=%d", renewals.calls.Load(), payments.expiryCalls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	manager.Stop()
	manager.Stop()

	stopped := renewals.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if renewals.calls.Load() != stopped {
		test.Fatalf("renewal job kept running after Stop")
	}
	if payments.orphanCalls.Load() != 0 {
		test.Fatalf("disabled orphan job ran")
	}
}

func TestStartStopsWithContext(test *testing.T) {
	test.Parallel()
	renewals := &stubRenewals{}
	manager, err := New(renewals, &stubPayments{}, Config{RenewalInterval: time.Millisecond})
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		manager.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		test.Fatalf("jobs did not stop with the context")
	}
}
