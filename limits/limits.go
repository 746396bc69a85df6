// Package limits enforces per-transaction and rolling daily send caps.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paylink/amount"
	"paylink/txledger"
)

var (
	// ErrPerTransactionLimit reports an amount above the single-send cap.
	ErrPerTransactionLimit = errors.New("limits: amount exceeds per-transaction limit")
	// ErrDailyLimit reports that the rolling 24h total would exceed the cap.
	ErrDailyLimit = errors.New("limits: daily send limit exceeded")
)

// Checker validates a proposed send against the sender's limits. It is
// consulted before any balance mutation.
type Checker interface {
	Check(ctx context.Context, accountID uuid.UUID, amountMicros int64) error
}

// Limits applies configured caps against the transaction ledger. A zero cap
// disables that check.
type Limits struct {
	txs            *txledger.Ledger
	perTxMaxMicros int64
	dailyCapMicros int64
	now            func() time.Time
}

// Config carries the limit thresholds in micro-units.
type Config struct {
	Ledger         *txledger.Ledger
	PerTxMaxMicros int64
	DailyCapMicros int64
	Now            func() time.Time
}

// New constructs a limits checker.
func New(cfg Config) *Limits {
	l := &Limits{
		txs:            cfg.Ledger,
		perTxMaxMicros: cfg.PerTxMaxMicros,
		dailyCapMicros: cfg.DailyCapMicros,
		now:            cfg.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Check returns nil when the send fits within both caps. The daily total
// counts every non-failed, non-cancelled transaction in the trailing 24h
// window, escrow holds included.
func (l *Limits) Check(ctx context.Context, accountID uuid.UUID, amountMicros int64) error {
	if l.perTxMaxMicros > 0 && amountMicros > l.perTxMaxMicros {
		return fmt.Errorf("%w: %s > %s", ErrPerTransactionLimit,
			amount.Format(amountMicros), amount.Format(l.perTxMaxMicros))
	}
	if l.dailyCapMicros <= 0 {
		return nil
	}
	since := l.now().UTC().Add(-24 * time.Hour)
	spent, err := l.txs.SumCompletedSince(ctx, accountID, since)
	if err != nil {
		return fmt.Errorf("limits: sum daily spend: %w", err)
	}
	if spent+amountMicros > l.dailyCapMicros {
		return fmt.Errorf("%w: %s spent of %s", ErrDailyLimit,
			amount.Format(spent), amount.Format(l.dailyCapMicros))
	}
	return nil
}

// Unlimited is a Checker that allows every send.
type Unlimited struct{}

// Check always succeeds.
func (Unlimited) Check(context.Context, uuid.UUID, int64) error { return nil }
