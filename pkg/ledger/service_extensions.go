package ledger

import (
	"context"
	"fmt"
	"sort"
)

// ListEntries returns up to limit entries created strictly before beforeUnixUTC, newest first.
// A non-positive beforeUnixUTC lists from the most recent entry.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxListEntriesLimit {
		limit = maxListEntriesLimit
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// HasSufficientCredits is an advisory pre-flight check. Debit remains the only authoritative answer.
func (service *Service) HasSufficientCredits(ctx context.Context, accountID AccountID, amount PositiveCredits) (bool, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return account.EffectiveBalance(service.nowFn()).Int64() >= amount.Int64(), nil
}

// AuditReport summarizes a replay of an account's history.
type AuditReport struct {
	AccountID       AccountID
	OpeningBalance  Credits
	TotalCredited   Credits
	TotalDebited    Credits
	Renewals        int
	Entries         int
	ReplayedBalance Credits
	AccountBalance  Credits
	Discrepancies   []string
}

// Consistent reports whether the replay matched every recorded balance.
func (report AuditReport) Consistent() bool {
	return len(report.Discrepancies) == 0
}

type historyStep struct {
	sequence      int64
	balanceBefore Credits
	balanceAfter  Credits
	delta         int64
	label         string
}

// Audit replays entries and renewals in sequence order and checks every link of the balance chain
// against the running balance and the committed account row.
func (service *Service) Audit(ctx context.Context, accountID AccountID) (AuditReport, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	entries, renewals, err := service.store.ListHistory(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}

	steps := make([]historyStep, 0, len(entries)+len(renewals))
	report := AuditReport{AccountID: accountID, AccountBalance: account.Balance(), Renewals: len(renewals), Entries: len(entries)}
	for _, entry := range entries {
		delta := entry.Amount().Int64()
		if entry.Kind() == EntryDebit {
			delta = -delta
			report.TotalDebited += entry.Amount().ToCredits()
		} else {
			report.TotalCredited += entry.Amount().ToCredits()
		}
		steps = append(steps, historyStep{
			sequence:      entry.Sequence(),
			balanceBefore: entry.BalanceBefore(),
			balanceAfter:  entry.BalanceAfter(),
			delta:         delta,
			label:         fmt.Sprintf("entry %s", entry.EntryID().String()),
		})
	}
	for _, renewal := range renewals {
		steps = append(steps, historyStep{
			sequence:      renewal.Sequence,
			balanceBefore: renewal.BalanceBefore,
			balanceAfter:  renewal.BalanceAfter,
			delta:         renewal.BalanceAfter.Int64() - renewal.BalanceBefore.Int64(),
			label:         fmt.Sprintf("renewal %d", renewal.Sequence),
		})
	}
	sort.Slice(steps, func(left, right int) bool {
		return steps[left].sequence < steps[right].sequence
	})

	if len(steps) == 0 {
		report.OpeningBalance = account.Balance()
		report.ReplayedBalance = account.Balance()
		return report, nil
	}

	report.OpeningBalance = steps[0].balanceBefore
	running := steps[0].balanceBefore.Int64()
	previousSequence := int64(0)
	for _, step := range steps {
		if step.sequence <= previousSequence {
			report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("%s: sequence %d repeats", step.label, step.sequence))
		}
		previousSequence = step.sequence
		if step.balanceBefore.Int64() != running {
			report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("%s: balance_before %d, replay %d", step.label, step.balanceBefore.Int64(), running))
		}
		running = step.balanceBefore.Int64() + step.delta
		if step.balanceAfter.Int64() != running {
			report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("%s: balance_after %d, replay %d", step.label, step.balanceAfter.Int64(), running))
		}
		running = step.balanceAfter.Int64()
	}
	report.ReplayedBalance = Credits(running)
	if report.ReplayedBalance != account.Balance() {
		report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("account balance %d, replay %d", account.Balance().Int64(), running))
	}
	if previousSequence != account.Version() {
		report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("account version %d, last sequence %d", account.Version(), previousSequence))
	}
	if len(report.Discrepancies) > 0 {
		return report, WrapError(errorOperationService, errorSubjectAccount, errorCodeChainMismatch, ErrInvalidBalance)
	}
	return report, nil
}
