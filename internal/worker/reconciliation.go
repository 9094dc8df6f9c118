package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storefront-payments/internal/domain"
	"storefront-payments/internal/infrastructure/ledger"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/repo"
	"storefront-payments/internal/service"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultCursorName = "incoming"
	lockKey           = "storefront:reconcile"
	recoverBatch      = 100
)

type Options struct {
	Interval         time.Duration
	CycleTimeout     time.Duration
	MaxBackoff       time.Duration
	MinConfirmations int
	CursorName       string
	Now              func() time.Time
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	Expired   int    `json:"expired"`
	Recovered int    `json:"recovered"`
	Observed  int    `json:"observed"`
	Matched   int    `json:"matched"`
	Settled   int    `json:"settled"`
	Failed    int    `json:"failed"`
	Flagged   int    `json:"flagged"`
	Orphaned  int    `json:"orphaned"`
	Cursor    string `json:"cursor"`
}

type ReconciliationWorker struct {
	store     repo.Store
	registry  service.RegistryService
	finalizer service.FinalizerService
	ledger    ledger.Client
	notifier  notify.Notifier
	locker    Locker
	logger    *zap.Logger
	opts      Options

	running sync.Mutex
	backoff *backoff.ExponentialBackOff
}

func NewReconciliationWorker(
	store repo.Store,
	registry service.RegistryService,
	finalizer service.FinalizerService,
	ledgerClient ledger.Client,
	notifier notify.Notifier,
	locker Locker,
	logger *zap.Logger,
	opts Options,
) *ReconciliationWorker {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 2 * opts.Interval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.MinConfirmations <= 0 {
		opts.MinConfirmations = 1
	}
	if opts.CursorName == "" {
		opts.CursorName = defaultCursorName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if locker == nil {
		locker = NewLocalLocker()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Interval
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return &ReconciliationWorker{
		store:     store,
		registry:  registry,
		finalizer: finalizer,
		ledger:    ledgerClient,
		notifier:  notifier,
		locker:    locker,
		logger:    logger,
		opts:      opts,
		backoff:   b,
	}
}

// Run cycles until ctx is done. A ledger failure stretches the delay before
// the next cycle; any success restores the normal interval.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	rw.logger.Info("reconciliation worker started",
		zap.Duration("interval", rw.opts.Interval),
		zap.Int("min_confirmations", rw.opts.MinConfirmations),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconciliation worker stopped")
			return
		case <-timer.C:
			timer.Reset(rw.nextDelay(rw.runCycle(ctx)))
		}
	}
}

func (rw *ReconciliationWorker) runCycle(ctx context.Context) error {
	report, err := rw.RunOnce(ctx)
	switch {
	case err == nil:
		if report.Observed > 0 || report.Expired > 0 || report.Recovered > 0 {
			rw.logger.Info("reconciliation cycle finished", zap.Any("report", report))
		}
	case errors.Is(err, domain.ErrCycleInProgress):
		rw.logger.Debug("reconciliation cycle skipped", zap.Error(err))
		return nil
	default:
		rw.logger.Error("reconciliation cycle failed", zap.Error(err))
	}
	return err
}

func (rw *ReconciliationWorker) nextDelay(err error) time.Duration {
	if err == nil || !errors.Is(err, domain.ErrLedgerUnavailable) {
		rw.backoff.Reset()
		return rw.opts.Interval
	}
	d := rw.backoff.NextBackOff()
	if d == backoff.Stop {
		d = rw.opts.MaxBackoff
	}
	rw.logger.Warn("ledger unavailable, backing off", zap.Duration("delay", d))
	return d
}

// RunOnce executes a single cycle. Overlapping calls, local or across
// instances sharing the locker, return domain.ErrCycleInProgress.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	if !rw.running.TryLock() {
		return report, domain.ErrCycleInProgress
	}
	defer rw.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, rw.opts.CycleTimeout)
	defer cancel()

	release, ok, err := rw.locker.Acquire(ctx, lockKey, rw.opts.CycleTimeout)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, domain.ErrCycleInProgress
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			rw.logger.Warn("failed to release cycle lock", zap.Error(err))
		}
	}()

	err = rw.cycle(ctx, &report)
	return report, err
}

func (rw *ReconciliationWorker) cycle(ctx context.Context, report *CycleReport) error {
	now := rw.opts.Now().UTC()

	expired, err := rw.registry.ExpireOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("expire overdue: %w", err)
	}
	report.Expired = len(expired)
	for _, intent := range expired {
		rw.notify(ctx, intent.UserID, notify.Outcome{Kind: notify.KindExpired, IntentID: intent.ID})
	}

	rw.recoverMatched(ctx, report)

	cursor, err := rw.store.Cursors.LoadCursor(ctx, rw.opts.CursorName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	report.Cursor = cursor

	transfers, next, err := rw.ledger.FetchIncomingTransfers(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch transfers after %q: %w", cursor, err)
	}
	report.Observed = len(transfers)

	// Listed after the fetch so every intent a fetched transfer could pay
	// is already visible.
	pending, err := rw.registry.ListPending(ctx, now)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	m := newMatcher(pending)
	safe := cursor
	blocked := false
	seen := make(map[string]bool, len(transfers))

	for _, t := range transfers {
		if !t.Confirmed(rw.opts.MinConfirmations) {
			// re-observed from here next cycle
			blocked = true
			continue
		}
		if !seen[t.TxHash] {
			seen[t.TxHash] = true
			if err := rw.process(ctx, m, t, now, report); err != nil {
				return fmt.Errorf("process transfer %s: %w", t.TxHash, err)
			}
		}
		if !blocked {
			safe = t.Cursor
		}
	}
	if !blocked && len(transfers) > 0 && next != "" {
		safe = next
	}

	if safe != cursor {
		if err := rw.store.Cursors.SaveCursor(ctx, rw.opts.CursorName, safe, now); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		report.Cursor = safe
	}
	return nil
}

// recoverMatched finishes intents that were matched but never finalized.
func (rw *ReconciliationWorker) recoverMatched(ctx context.Context, report *CycleReport) {
	stuck, err := rw.store.Intents.ListByStatus(ctx, domain.IntentMatched, recoverBatch)
	if err != nil {
		rw.logger.Error("failed to list matched intents", zap.Error(err))
		return
	}
	for i := range stuck {
		report.Recovered++
		rw.finalize(ctx, &stuck[i], stuck[i].MatchedTxHash, report)
	}
}

func (rw *ReconciliationWorker) process(ctx context.Context, m *matcher, t domain.Transfer, now time.Time, report *CycleReport) error {
	if _, err := rw.store.Intents.FindByTxHash(ctx, t.TxHash); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	winner, losers, miss := m.match(t)
	if winner == nil && miss == domain.OrphanNoIntent && t.Memo != "" {
		if err := rw.admitLate(ctx, m, t.Memo, now); err != nil {
			return err
		}
		winner, losers, miss = m.match(t)
	}
	if winner == nil {
		reason, err := rw.orphanReason(ctx, t, miss)
		if err != nil {
			return err
		}
		return rw.orphan(ctx, t, reason, now, report)
	}

	for _, loser := range losers {
		note := fmt.Sprintf("memo %s shared with intent %s, transfer %s", loser.Memo, winner.ID, t.TxHash)
		if err := rw.store.Intents.Flag(ctx, loser.ID, domain.ReviewMemoCollision, note, now); err != nil {
			return fmt.Errorf("flag intent %s: %w", loser.ID, err)
		}
		report.Flagged++
		rw.logger.Warn("memo collision, intent flagged for review",
			zap.String("intent_id", loser.ID.String()),
			zap.String("selected_intent_id", winner.ID.String()),
			zap.String("memo", loser.Memo),
		)
	}

	err := rw.store.Intents.MarkMatched(ctx, winner.ID, t.TxHash, t.Amount, now)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTxHashClaimed):
		rw.logger.Info("transfer already claimed", zap.String("tx_hash", t.TxHash))
		return nil
	case errors.Is(err, domain.ErrStaleTransition):
		rw.logger.Info("intent changed before match", zap.String("intent_id", winner.ID.String()), zap.Error(err))
		reason, err := rw.orphanReason(ctx, t, domain.OrphanNoIntent)
		if err != nil {
			return err
		}
		return rw.orphan(ctx, t, reason, now, report)
	default:
		return err
	}

	report.Matched++
	rw.logger.Info("transfer matched",
		zap.String("intent_id", winner.ID.String()),
		zap.String("tx_hash", t.TxHash),
		zap.String("amount", t.Amount.String()),
	)

	winner.Status = domain.IntentMatched
	winner.MatchedTxHash = t.TxHash
	winner.PaidAmount = t.Amount
	rw.finalize(ctx, winner, t.TxHash, report)
	return nil
}

// admitLate adds live intents carrying memo that the cycle's pending list
// did not include, such as one created while the cycle was running.
func (rw *ReconciliationWorker) admitLate(ctx context.Context, m *matcher, memo string, now time.Time) error {
	intents, err := rw.store.Intents.FindByMemo(ctx, memo)
	if err != nil {
		return fmt.Errorf("find intents by memo: %w", err)
	}
	var live []domain.PaymentIntent
	for _, p := range intents {
		if p.Status == domain.IntentPending && !p.Flagged() && !p.Overdue(now) {
			live = append(live, p)
		}
	}
	if len(live) > 0 {
		rw.logger.Info("intent joined mid-cycle", zap.String("memo", memo), zap.Int("count", len(live)))
		m.admit(live)
	}
	return nil
}

// finalize never fails the cycle; one intent's error does not block others.
func (rw *ReconciliationWorker) finalize(ctx context.Context, intent *domain.PaymentIntent, txHash string, report *CycleReport) {
	_, err := rw.finalizer.Finalize(ctx, intent, txHash)
	switch {
	case err == nil:
		report.Settled++
	case errors.Is(err, domain.ErrInsufficientStock):
		report.Failed++
	default:
		rw.logger.Error("finalize failed, will retry next cycle",
			zap.String("intent_id", intent.ID.String()),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}
}

// orphanReason refines a miss using every intent that ever carried the memo.
func (rw *ReconciliationWorker) orphanReason(ctx context.Context, t domain.Transfer, miss domain.OrphanReason) (domain.OrphanReason, error) {
	if miss != domain.OrphanNoIntent || t.Memo == "" {
		return miss, nil
	}
	intents, err := rw.store.Intents.FindByMemo(ctx, t.Memo)
	if err != nil {
		return "", err
	}
	reason := domain.OrphanNoIntent
	for _, p := range intents {
		switch {
		case p.Status == domain.IntentPending && p.Flagged():
			return domain.OrphanFlaggedIntent, nil
		case p.Status == domain.IntentMatched || p.Status == domain.IntentSettled:
			reason = domain.OrphanAlreadyPaid
		case p.Status == domain.IntentFailed && reason != domain.OrphanAlreadyPaid:
			reason = domain.OrphanIntentFailed
		case p.Status == domain.IntentExpired && reason == domain.OrphanNoIntent:
			reason = domain.OrphanIntentExpired
		}
	}
	return reason, nil
}

func (rw *ReconciliationWorker) orphan(ctx context.Context, t domain.Transfer, reason domain.OrphanReason, now time.Time, report *CycleReport) error {
	err := rw.store.Orphans.RecordOrphan(ctx, domain.OrphanTransfer{
		TxHash:     t.TxHash,
		Amount:     t.Amount,
		Currency:   t.Currency,
		Memo:       t.Memo,
		Reason:     reason,
		ObservedAt: now,
	})
	if err != nil {
		return fmt.Errorf("record orphan: %w", err)
	}
	report.Orphaned++
	rw.logger.Warn("orphan transfer",
		zap.String("tx_hash", t.TxHash),
		zap.String("memo", t.Memo),
		zap.String("amount", t.Amount.String()),
		zap.String("reason", string(reason)),
	)
	return nil
}

func (rw *ReconciliationWorker) notify(ctx context.Context, userID int64, o notify.Outcome) {
	if rw.notifier == nil {
		return
	}
	if err := rw.notifier.Notify(ctx, userID, o); err != nil {
		rw.logger.Error("notify failed", zap.Int64("user_id", userID), zap.String("kind", string(o.Kind)), zap.Error(err))
	}
}
