package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"paylink/models"
	"paylink/txledger"
)

func setupEscrowTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// serialize writers so concurrent transactions queue instead of
	// returning SQLITE_BUSY
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return db
}

func newTestLedger(t *testing.T, db *gorm.DB, now func() time.Time) *Ledger {
	t.Helper()
	return New(Config{
		DB:           db,
		Transactions: txledger.New(db, now),
		Now:          now,
	})
}

func createAccount(t *testing.T, db *gorm.DB, balance int64, email, phone string) models.Account {
	t.Helper()
	acc := models.Account{
		ID:            uuid.New(),
		Address:       fmt.Sprintf("0x%040x", rand.Int63()),
		Email:         email,
		Phone:         phone,
		DisplayName:   "Test Sender",
		BalanceMicros: balance,
	}
	if err := db.Create(&acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func loadAccount(t *testing.T, db *gorm.DB, id uuid.UUID) models.Account {
	t.Helper()
	var acc models.Account
	if err := db.First(&acc, "id = ?", id).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return acc
}

func TestCreateHoldsFundsAndLinksTransaction(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "User@Example.com",
		AmountMicros:        50_000_000,
		Message:             "lunch",
		ExpirationDays:      7,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Escrow.Status != models.EscrowPending {
		t.Fatalf("status = %s, want PENDING", res.Escrow.Status)
	}
	if res.Escrow.TrackingID == "" || len(res.Escrow.TrackingID) != 64 {
		t.Fatalf("tracking id not issued: %q", res.Escrow.TrackingID)
	}
	if res.Escrow.RecipientIdentifier != "user@example.com" {
		t.Fatalf("identifier not normalized: %s", res.Escrow.RecipientIdentifier)
	}
	if res.Transaction.Status != models.TxInEscrow || res.Transaction.Type != models.TxEscrowHold {
		t.Fatalf("linked transaction wrong: %+v", res.Transaction)
	}

	after := loadAccount(t, db, sender.ID)
	if after.EscrowHeldMicros != 50_000_000 {
		t.Fatalf("escrowHeld = %d, want 50000000", after.EscrowHeldMicros)
	}
	if after.BalanceMicros != 50_000_000 {
		t.Fatalf("balance = %d, want 50000000", after.BalanceMicros)
	}

	var agg models.PendingAggregate
	if err := db.First(&agg, "recipient_identifier = ?", "user@example.com").Error; err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalMicros != 50_000_000 || agg.PaymentCount != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}
}

func TestCreateInsufficientBalance(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 10_000_000, "sender@example.com", "")

	_, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        50_000_000,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// no partial writes
	var escrowCount, txCount int64
	db.Model(&models.EscrowPayment{}).Count(&escrowCount)
	db.Model(&models.Transaction{}).Count(&txCount)
	if escrowCount != 0 || txCount != 0 {
		t.Fatalf("partial writes after failed create: escrows=%d txs=%d", escrowCount, txCount)
	}
	after := loadAccount(t, db, sender.ID)
	if after.BalanceMicros != 10_000_000 || after.EscrowHeldMicros != 0 {
		t.Fatalf("account mutated on failure: %+v", after)
	}
}

func TestClaimRestoresHeldAndCompletesTransaction(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        50_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Escrow.Status != models.EscrowClaimed || claimed.Escrow.ClaimedAt == nil {
		t.Fatalf("escrow not claimed: %+v", claimed.Escrow)
	}
	if claimed.Transaction.Status != models.TxCompleted {
		t.Fatalf("transaction status = %s, want COMPLETED", claimed.Transaction.Status)
	}

	senderAfter := loadAccount(t, db, sender.ID)
	if senderAfter.EscrowHeldMicros != 0 {
		t.Fatalf("escrowHeld = %d, want 0", senderAfter.EscrowHeldMicros)
	}
	if senderAfter.BalanceMicros != 50_000_000 {
		t.Fatalf("sender balance = %d, want 50000000 (no refund on claim)", senderAfter.BalanceMicros)
	}
	claimantAfter := loadAccount(t, db, claimant.ID)
	if claimantAfter.BalanceMicros != 50_000_000 {
		t.Fatalf("claimant balance = %d, want 50000000", claimantAfter.BalanceMicros)
	}

	var agg models.PendingAggregate
	if err := db.First(&agg, "recipient_identifier = ?", "user@example.com").Error; err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalMicros != 0 || agg.PaymentCount != 0 {
		t.Fatalf("aggregate not restored: %+v", agg)
	}
}

func TestClaimPreconditionOrder(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	stranger := createAccount(t, db, 0, "other@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        1_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := ledger.Claim(context.Background(), uuid.New(), stranger.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown escrow: err = %v, want ErrNotFound", err)
	}
	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, stranger.ID); !errors.Is(err, ErrClaimantMismatch) {
		t.Fatalf("stranger claim: err = %v, want ErrClaimantMismatch", err)
	}
}

func TestDoubleClaimConflicts(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        50_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim: err = %v, want ErrAlreadyClaimed", err)
	}

	// value released exactly once
	claimantAfter := loadAccount(t, db, claimant.ID)
	if claimantAfter.BalanceMicros != 50_000_000 {
		t.Fatalf("claimant balance = %d after double claim", claimantAfter.BalanceMicros)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        50_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if got := loadAccount(t, db, claimant.ID).BalanceMicros; got != 50_000_000 {
		t.Fatalf("claimant balance = %d, want single release", got)
	}
}

func TestCancelRestoresEverything(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelPhone,
		RecipientIdentifier: "+14155552671",
		AmountMicros:        25_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := ledger.Cancel(context.Background(), res.Escrow.ID, sender.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Escrow.Status != models.EscrowCancelled || cancelled.Escrow.CancelledAt == nil {
		t.Fatalf("escrow not cancelled: %+v", cancelled.Escrow)
	}
	if cancelled.Transaction.Status != models.TxCancelled {
		t.Fatalf("transaction status = %s, want CANCELLED", cancelled.Transaction.Status)
	}

	after := loadAccount(t, db, sender.ID)
	if after.BalanceMicros != 100_000_000 || after.EscrowHeldMicros != 0 {
		t.Fatalf("pre-creation values not restored: %+v", after)
	}
	var agg models.PendingAggregate
	if err := db.First(&agg, "recipient_identifier = ?", "+14155552671").Error; err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalMicros != 0 || agg.PaymentCount != 0 {
		t.Fatalf("aggregate not restored: %+v", agg)
	}
}

func TestCancelOnlyBySender(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	other := createAccount(t, db, 0, "other@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        1_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Cancel(context.Background(), res.Escrow.ID, other.ID, ""); !errors.Is(err, ErrNotSender) {
		t.Fatalf("err = %v, want ErrNotSender", err)
	}
}

func TestCancelAfterClaimConflicts(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        1_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ledger.Cancel(context.Background(), res.Escrow.ID, sender.ID, ""); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaimExpiryBoundaryIsExclusive(t *testing.T) {
	db := setupEscrowTestDB(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := created
	ledger := newTestLedger(t, db, func() time.Time { return current })
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        1_000_000,
		ExpirationDays:      1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// exactly at expiresAt: too late
	current = res.Escrow.ExpiresAt
	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("claim at boundary: err = %v, want ErrExpired", err)
	}

	// one second before: still valid
	current = res.Escrow.ExpiresAt.Add(-time.Second)
	if _, err := ledger.Claim(context.Background(), res.Escrow.ID, claimant.ID); err != nil {
		t.Fatalf("claim inside window: %v", err)
	}
}

func TestSweepExpiredIdempotent(t *testing.T) {
	db := setupEscrowTestDB(t)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, db, func() time.Time { return current })
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        30_000_000,
		ExpirationDays:      1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// nothing expired yet
	swept, err := ledger.SweepExpired(context.Background())
	if err != nil || swept != 0 {
		t.Fatalf("early sweep: swept=%d err=%v", swept, err)
	}

	current = current.Add(25 * time.Hour)
	swept, err = ledger.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	// repeated sweep is a no-op
	swept, err = ledger.SweepExpired(context.Background())
	if err != nil || swept != 0 {
		t.Fatalf("repeat sweep: swept=%d err=%v", swept, err)
	}

	var payment models.EscrowPayment
	if err := db.First(&payment, "id = ?", res.Escrow.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if payment.Status != models.EscrowExpired || payment.CancelReason != "EXPIRED" {
		t.Fatalf("payment = %+v", payment)
	}
	after := loadAccount(t, db, sender.ID)
	if after.BalanceMicros != 100_000_000 || after.EscrowHeldMicros != 0 {
		t.Fatalf("refund not applied: %+v", after)
	}
}

// escrowHeld must equal the sum of non-terminal escrow amounts after any
// sequence of create/claim/cancel/expire operations.
func TestHeldInvariantUnderRandomOps(t *testing.T) {
	db := setupEscrowTestDB(t)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, db, func() time.Time { return current })
	sender := createAccount(t, db, 1_000_000_000, "sender@example.com", "")
	claimant := createAccount(t, db, 0, "user@example.com", "")

	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	var open []uuid.UUID

	for i := 0; i < 60; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(open) == 0:
			amt := int64(rng.Intn(5_000_000) + 1)
			res, err := ledger.Create(ctx, CreateParams{
				SenderAccountID:     sender.ID,
				Channel:             models.ChannelEmail,
				RecipientIdentifier: "user@example.com",
				AmountMicros:        amt,
				ExpirationDays:      1,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			open = append(open, res.Escrow.ID)
		case op == 1:
			idx := rng.Intn(len(open))
			if _, err := ledger.Claim(ctx, open[idx], claimant.ID); err != nil {
				t.Fatalf("claim: %v", err)
			}
			open = append(open[:idx], open[idx+1:]...)
		case op == 2:
			idx := rng.Intn(len(open))
			if _, err := ledger.Cancel(ctx, open[idx], sender.ID, ""); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			open = append(open[:idx], open[idx+1:]...)
		default:
			current = current.Add(30 * time.Hour)
			if _, err := ledger.SweepExpired(ctx); err != nil {
				t.Fatalf("sweep: %v", err)
			}
			open = open[:0]
		}

		var sum int64
		if err := db.Model(&models.EscrowPayment{}).
			Select("COALESCE(SUM(amount_micros), 0)").
			Where("sender_account_id = ? AND status IN ?", sender.ID, models.NonTerminalEscrowStatuses).
			Scan(&sum).Error; err != nil {
			t.Fatalf("sum: %v", err)
		}
		if held := loadAccount(t, db, sender.ID).EscrowHeldMicros; held != sum {
			t.Fatalf("iteration %d: escrowHeld %d != open escrow sum %d", i, held, sum)
		}
	}
}

func TestEngagementStatesDoNotMoveMoney(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        10_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, state := range []models.EscrowStatus{models.EscrowDelivered, models.EscrowOpened, models.EscrowClicked} {
		payment, err := ledger.RecordEngagement(context.Background(), res.Escrow.TrackingID, state)
		if err != nil {
			t.Fatalf("engagement %s: %v", state, err)
		}
		if payment.Status != state {
			t.Fatalf("status = %s, want %s", payment.Status, state)
		}
	}

	// regression is a silent no-op
	payment, err := ledger.RecordEngagement(context.Background(), res.Escrow.TrackingID, models.EscrowDelivered)
	if err != nil {
		t.Fatalf("regress: %v", err)
	}
	if payment.Status != models.EscrowClicked {
		t.Fatalf("status regressed to %s", payment.Status)
	}

	if held := loadAccount(t, db, sender.ID).EscrowHeldMicros; held != 10_000_000 {
		t.Fatalf("engagement moved money: held = %d", held)
	}
}

func TestGetByTrackingIDRedacts(t *testing.T) {
	db := setupEscrowTestDB(t)
	ledger := newTestLedger(t, db, time.Now)
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelEmail,
		RecipientIdentifier: "user@example.com",
		AmountMicros:        50_000_000,
		Message:             "for you",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := ledger.GetByTrackingID(context.Background(), res.Escrow.TrackingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Amount != "50.00" || view.SenderName != "Test Sender" || view.Status != models.EscrowPending {
		t.Fatalf("view = %+v", view)
	}

	if _, err := ledger.GetByTrackingID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token: err = %v, want ErrNotFound", err)
	}
}

type capturingNotifier struct {
	mu    sync.Mutex
	links []ClaimLink
}

func (c *capturingNotifier) SendClaimLink(_ context.Context, link ClaimLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append(c.links, link)
}

func TestCreateDispatchesClaimLink(t *testing.T) {
	db := setupEscrowTestDB(t)
	notifier := &capturingNotifier{}
	ledger := New(Config{
		DB:           db,
		Transactions: txledger.New(db, time.Now),
		Notifier:     notifier,
	})
	sender := createAccount(t, db, 100_000_000, "sender@example.com", "")

	res, err := ledger.Create(context.Background(), CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             models.ChannelPhone,
		RecipientIdentifier: "+14155552671",
		AmountMicros:        5_000_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.links) != 1 {
		t.Fatalf("links = %d, want 1", len(notifier.links))
	}
	if notifier.links[0].TrackingID != res.Escrow.TrackingID || notifier.links[0].Channel != models.ChannelPhone {
		t.Fatalf("link = %+v", notifier.links[0])
	}
}
