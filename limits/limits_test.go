package limits

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"paylink/models"
	"paylink/txledger"
)

func setupLimitsTest(t *testing.T, now func() time.Time) *txledger.Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return txledger.New(db, now)
}

func TestPerTransactionLimit(t *testing.T) {
	txs := setupLimitsTest(t, nil)
	checker := New(Config{Ledger: txs, PerTxMaxMicros: 500_000_000}) // 500.00

	accountID := uuid.New()
	if err := checker.Check(context.Background(), accountID, 500_000_000); err != nil {
		t.Fatalf("amount at limit should pass: %v", err)
	}
	err := checker.Check(context.Background(), accountID, 500_000_001)
	if !errors.Is(err, ErrPerTransactionLimit) {
		t.Fatalf("err = %v, want ErrPerTransactionLimit", err)
	}
}

func TestDailyLimitRollingWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	now := func() time.Time { return current }
	txs := setupLimitsTest(t, now)
	checker := New(Config{Ledger: txs, DailyCapMicros: 1_000_000_000, Now: now}) // 1000.00

	accountID := uuid.New()
	ctx := context.Background()

	// 600 sent 30h ago falls outside the window
	current = base.Add(-30 * time.Hour)
	mustCreate(t, txs, accountID, 600_000_000, models.TxCompleted)

	// 700 sent 2h ago counts against the cap
	current = base.Add(-2 * time.Hour)
	mustCreate(t, txs, accountID, 700_000_000, models.TxCompleted)

	// a failed send never counts
	mustCreate(t, txs, accountID, 900_000_000, models.TxFailed)

	current = base
	if err := checker.Check(ctx, accountID, 300_000_000); err != nil {
		t.Fatalf("300 on top of 700 fits the 1000 cap: %v", err)
	}
	err := checker.Check(ctx, accountID, 300_000_001)
	if !errors.Is(err, ErrDailyLimit) {
		t.Fatalf("err = %v, want ErrDailyLimit", err)
	}
}

func TestEscrowHoldsCountAgainstDailyCap(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	txs := setupLimitsTest(t, now)
	checker := New(Config{Ledger: txs, DailyCapMicros: 1_000_000_000, Now: now})

	accountID := uuid.New()
	mustCreate(t, txs, accountID, 800_000_000, models.TxInEscrow)

	err := checker.Check(context.Background(), accountID, 300_000_000)
	if !errors.Is(err, ErrDailyLimit) {
		t.Fatalf("err = %v, want ErrDailyLimit", err)
	}
}

func TestZeroCapsDisableChecks(t *testing.T) {
	txs := setupLimitsTest(t, nil)
	checker := New(Config{Ledger: txs})

	if err := checker.Check(context.Background(), uuid.New(), 1<<50); err != nil {
		t.Fatalf("zero caps should allow any amount: %v", err)
	}
}

func mustCreate(t *testing.T, txs *txledger.Ledger, sender uuid.UUID, amountMicros int64, status models.TransactionStatus) {
	t.Helper()
	err := txs.Create(context.Background(), &models.Transaction{
		SenderAccountID: sender,
		Type:            models.TxDirect,
		Status:          status,
		AmountMicros:    amountMicros,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
}
