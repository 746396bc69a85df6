package escrow

import (
	"context"
	"log/slog"
	"time"

	"paylink/observability/metrics"
)

// Sweeper periodically expires overdue escrows. Scheduling lives here; the
// transition logic is Ledger.SweepExpired, which stays safe under overlapping
// runs, so a second sweeper instance is harmless.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper constructs a sweeper with the given poll interval.
func NewSweeper(ledger *Ledger, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Sweeper{ledger: ledger, interval: interval, logger: logger, metrics: m}
}

// Run blocks until the context is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.ledger.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("escrow sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				s.metrics.SweeperReclaimed.Add(float64(swept))
				s.logger.Info("expired escrows swept", "count", swept)
			}
		}
	}
}
