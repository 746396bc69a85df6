package escrow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylink/models"
	"paylink/observability/logging"
	"paylink/txledger"
)

var (
	// ErrNotFound indicates an unknown escrow id or tracking id.
	ErrNotFound = errors.New("escrow: payment not found")
	// ErrAlreadyClaimed indicates the escrow reached the CLAIMED sink.
	ErrAlreadyClaimed = errors.New("escrow: payment already claimed")
	// ErrAlreadyCancelled indicates the escrow reached the CANCELLED sink.
	ErrAlreadyCancelled = errors.New("escrow: payment already cancelled")
	// ErrExpired indicates the validity window has elapsed.
	ErrExpired = errors.New("escrow: payment expired")
	// ErrClaimantMismatch indicates the claiming account's identifiers do not
	// match the payment's recipient identifier.
	ErrClaimantMismatch = errors.New("escrow: claimant does not match recipient")
	// ErrNotSender indicates a cancel request from someone other than the
	// original sender.
	ErrNotSender = errors.New("escrow: only the sender may cancel")
	// ErrInsufficientFunds indicates the sender balance cannot cover the hold.
	ErrInsufficientFunds = errors.New("escrow: insufficient balance")
	// ErrAccountNotFound indicates an unknown sender or claimant account.
	ErrAccountNotFound = errors.New("escrow: account not found")
	// ErrUnsupportedChannel indicates a channel other than EMAIL or PHONE.
	ErrUnsupportedChannel = errors.New("escrow: unsupported channel")
)

// ClaimLink carries everything the notifier needs to reach the recipient.
type ClaimLink struct {
	Channel    models.Channel
	Identifier string
	TrackingID string
	Amount     int64
	Message    string
	ExpiresAt  time.Time
}

// ClaimNotifier delivers claim links out of band. Delivery is best-effort;
// the ledger never rolls back an escrow because a notification failed.
type ClaimNotifier interface {
	SendClaimLink(ctx context.Context, link ClaimLink)
}

// NoopNotifier discards claim links.
type NoopNotifier struct{}

func (NoopNotifier) SendClaimLink(context.Context, ClaimLink) {}

// Ledger owns the escrow payment lifecycle: the four-way create write, the
// symmetric claim/cancel reversals, and the expiry sweep. All money-moving
// transitions run inside a single database transaction with row locks so a
// concurrent reader never observes a partial update.
type Ledger struct {
	db       *gorm.DB
	txs      *txledger.Ledger
	notifier ClaimNotifier
	logger   *slog.Logger
	now      func() time.Time

	defaultExpiration time.Duration
}

// Config collects the ledger's dependencies.
type Config struct {
	DB                *gorm.DB
	Transactions      *txledger.Ledger
	Notifier          ClaimNotifier
	Logger            *slog.Logger
	Now               func() time.Time
	DefaultExpiration time.Duration
}

// New constructs an escrow ledger.
func New(cfg Config) *Ledger {
	l := &Ledger{
		db:                cfg.DB,
		txs:               cfg.Transactions,
		notifier:          cfg.Notifier,
		logger:            cfg.Logger,
		now:               cfg.Now,
		defaultExpiration: cfg.DefaultExpiration,
	}
	if l.notifier == nil {
		l.notifier = NoopNotifier{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.defaultExpiration <= 0 {
		l.defaultExpiration = 7 * 24 * time.Hour
	}
	return l
}

// CreateParams describes a new deferred payment.
type CreateParams struct {
	SenderAccountID     uuid.UUID
	Channel             models.Channel
	RecipientIdentifier string
	AmountMicros        int64
	Message             string
	ExpirationDays      int
}

// CreateResult pairs the stored escrow with its linked transaction.
type CreateResult struct {
	Escrow      *models.EscrowPayment
	Transaction *models.Transaction
}

// Create debits the sender into escrow and persists the payment, the pending
// aggregate bump, and the linked IN_ESCROW transaction atomically. The claim
// notification is dispatched after commit and its failure is not observable
// to the caller.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if params.Channel != models.ChannelEmail && params.Channel != models.ChannelPhone {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, params.Channel)
	}
	if params.AmountMicros <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	identifier := normalizeIdentifier(params.Channel, params.RecipientIdentifier)
	if identifier == "" {
		return nil, fmt.Errorf("escrow: recipient identifier required")
	}

	trackingID, err := newTrackingID()
	if err != nil {
		return nil, fmt.Errorf("escrow: generate tracking id: %w", err)
	}

	now := l.now().UTC()
	expiration := l.defaultExpiration
	if params.ExpirationDays > 0 {
		expiration = time.Duration(params.ExpirationDays) * 24 * time.Hour
	}

	var result CreateResult
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sender models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sender, "id = ?", params.SenderAccountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if sender.BalanceMicros < params.AmountMicros {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sender.BalanceMicros, params.AmountMicros)
		}
		sender.BalanceMicros -= params.AmountMicros
		sender.EscrowHeldMicros += params.AmountMicros
		sender.UpdatedAt = now
		if err := tx.Save(&sender).Error; err != nil {
			return err
		}

		// Informational resolution only: a registered recipient does not
		// change the deferred path.
		resolved := resolveIdentifier(tx, params.Channel, identifier)

		payment := models.EscrowPayment{
			ID:                  uuid.New(),
			Channel:             params.Channel,
			SenderAccountID:     sender.ID,
			RecipientIdentifier: identifier,
			RecipientAccountID:  resolved,
			AmountMicros:        params.AmountMicros,
			Message:             params.Message,
			Status:              models.EscrowPending,
			TrackingID:          trackingID,
			CreatedAt:           now,
			ExpiresAt:           now.Add(expiration),
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "recipient_identifier"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_micros":  gorm.Expr("total_micros + ?", params.AmountMicros),
				"payment_count": gorm.Expr("payment_count + 1"),
				"updated_at":    now,
			}),
		}).Create(&models.PendingAggregate{
			RecipientIdentifier: identifier,
			TotalMicros:         params.AmountMicros,
			PaymentCount:        1,
			UpdatedAt:           now,
		}).Error; err != nil {
			return err
		}

		record := models.Transaction{
			Type:            models.TxEscrowHold,
			Status:          models.TxInEscrow,
			AmountMicros:    params.AmountMicros,
			SenderAccountID: sender.ID,
			EscrowID:        &payment.ID,
		}
		if err := l.txs.CreateIn(tx, &record); err != nil {
			return err
		}

		if err := appendAudit(tx, &payment.ID, sender.ID, "escrow.created",
			fmt.Sprintf("channel=%s identifier=%s amount=%d", params.Channel, identifier, params.AmountMicros), now); err != nil {
			return err
		}

		result = CreateResult{Escrow: &payment, Transaction: &record}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("escrow payment created",
		"escrow", result.Escrow.ID, "channel", result.Escrow.Channel,
		"amountMicros", result.Escrow.AmountMicros,
		logging.Identifier("recipient", result.Escrow.RecipientIdentifier))

	l.notifier.SendClaimLink(ctx, ClaimLink{
		Channel:    result.Escrow.Channel,
		Identifier: result.Escrow.RecipientIdentifier,
		TrackingID: result.Escrow.TrackingID,
		Amount:     result.Escrow.AmountMicros,
		Message:    result.Escrow.Message,
		ExpiresAt:  result.Escrow.ExpiresAt,
	})

	return &result, nil
}

// Claim releases a held payment to the claiming account. Value moved into
// escrow at creation; claim only transfers the hold to the claimant, so no
// on-chain operation is ever re-executed here. Preconditions are checked in
// order and the first failure wins.
func (l *Ledger) Claim(ctx context.Context, escrowID, claimantAccountID uuid.UUID) (*CreateResult, error) {
	now := l.now().UTC()
	var result CreateResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.EscrowPayment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var claimant models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&claimant, "id = ?", claimantAccountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if !identifierMatches(payment, claimant) {
			return fmt.Errorf("%w: escrow %s", ErrClaimantMismatch, payment.ID)
		}
		switch payment.Status {
		case models.EscrowClaimed:
			return fmt.Errorf("%w: escrow %s", ErrAlreadyClaimed, payment.ID)
		case models.EscrowCancelled:
			return fmt.Errorf("%w: escrow %s", ErrAlreadyCancelled, payment.ID)
		case models.EscrowExpired:
			return fmt.Errorf("%w: escrow %s", ErrExpired, payment.ID)
		}
		// Validity window is exclusive at the boundary: a claim at exactly
		// expiresAt is already late.
		if !now.Before(payment.ExpiresAt) {
			return fmt.Errorf("%w: escrow %s expired at %s", ErrExpired, payment.ID, payment.ExpiresAt.Format(time.RFC3339))
		}

		payment.Status = models.EscrowClaimed
		payment.ClaimedAt = &now
		payment.RecipientAccountID = &claimant.ID
		if err := tx.Save(&payment).Error; err != nil {
			return err
		}

		if err := l.releaseHold(tx, &payment, now); err != nil {
			return err
		}

		claimant.BalanceMicros += payment.AmountMicros
		claimant.UpdatedAt = now
		if err := tx.Save(&claimant).Error; err != nil {
			return err
		}

		record, err := l.completeLinkedTransaction(tx, &payment, models.TxCompleted, txledger.Extra{RecipientAccountID: &claimant.ID})
		if err != nil {
			return err
		}

		if err := appendAudit(tx, &payment.ID, claimant.ID, "escrow.claimed",
			fmt.Sprintf("amount=%d", payment.AmountMicros), now); err != nil {
			return err
		}

		result = CreateResult{Escrow: &payment, Transaction: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel reverses an unclaimed payment back to the sender. The effects mirror
// Claim's reversal exactly, with the linked transaction moving to CANCELLED.
func (l *Ledger) Cancel(ctx context.Context, escrowID, requesterAccountID uuid.UUID, reason string) (*CreateResult, error) {
	now := l.now().UTC()
	if reason == "" {
		reason = "SENDER_CANCELLED"
	}
	var result CreateResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, record, err := l.reverseLocked(tx, escrowID, models.EscrowCancelled, reason, now, func(p *models.EscrowPayment) error {
			if p.SenderAccountID != requesterAccountID {
				return fmt.Errorf("%w: escrow %s", ErrNotSender, p.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := appendAudit(tx, &payment.ID, requesterAccountID, "escrow.cancelled",
			fmt.Sprintf("reason=%s amount=%d", reason, payment.AmountMicros), now); err != nil {
			return err
		}
		result = CreateResult{Escrow: payment, Transaction: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SweepExpired applies the cancel reversal with reason EXPIRED to every
// non-terminal escrow whose validity window has elapsed. The sweep is
// idempotent and safe under overlapping invocations: each row is re-checked
// under lock, so a row already swept by a racing invocation is a no-op.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	now := l.now().UTC()
	var ids []uuid.UUID
	if err := l.db.WithContext(ctx).
		Model(&models.EscrowPayment{}).
		Where("status IN ? AND expires_at <= ?", models.NonTerminalEscrowStatuses, now).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			payment, _, err := l.reverseLocked(tx, id, models.EscrowExpired, "EXPIRED", now, nil)
			if err != nil {
				return err
			}
			return appendAudit(tx, &payment.ID, payment.SenderAccountID, "escrow.expired",
				fmt.Sprintf("amount=%d", payment.AmountMicros), now)
		})
		switch {
		case err == nil:
			swept++
		case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrAlreadyCancelled), errors.Is(err, ErrExpired):
			// lost the race to a claim, cancel, or another sweeper
		default:
			return swept, err
		}
	}
	return swept, nil
}

// reverseLocked performs the shared reversal for cancel and expiry: restore
// sender balance and held total, decrement the pending aggregate, and move
// the linked transaction to CANCELLED. The authorize callback runs after the
// row is locked but before any precondition check.
func (l *Ledger) reverseLocked(tx *gorm.DB, escrowID uuid.UUID, terminal models.EscrowStatus, reason string, now time.Time, authorize func(*models.EscrowPayment) error) (*models.EscrowPayment, *models.Transaction, error) {
	var payment models.EscrowPayment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "id = ?", escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if authorize != nil {
		if err := authorize(&payment); err != nil {
			return nil, nil, err
		}
	}
	switch payment.Status {
	case models.EscrowClaimed:
		return nil, nil, fmt.Errorf("%w: escrow %s", ErrAlreadyClaimed, payment.ID)
	case models.EscrowCancelled:
		return nil, nil, fmt.Errorf("%w: escrow %s", ErrAlreadyCancelled, payment.ID)
	case models.EscrowExpired:
		return nil, nil, fmt.Errorf("%w: escrow %s", ErrExpired, payment.ID)
	}

	payment.Status = terminal
	payment.CancelledAt = &now
	payment.CancelReason = reason
	if err := tx.Save(&payment).Error; err != nil {
		return nil, nil, err
	}

	var sender models.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sender, "id = ?", payment.SenderAccountID).Error; err != nil {
		return nil, nil, err
	}
	sender.BalanceMicros += payment.AmountMicros
	sender.EscrowHeldMicros -= payment.AmountMicros
	sender.UpdatedAt = now
	if err := tx.Save(&sender).Error; err != nil {
		return nil, nil, err
	}

	if err := l.decrementAggregate(tx, payment.RecipientIdentifier, payment.AmountMicros, now); err != nil {
		return nil, nil, err
	}

	record, err := l.completeLinkedTransaction(tx, &payment, models.TxCancelled, txledger.Extra{FailureReason: reason})
	if err != nil {
		return nil, nil, err
	}
	return &payment, record, nil
}

// releaseHold removes the hold from the sender account and the pending
// aggregate without refunding the sender (the value goes to the claimant).
func (l *Ledger) releaseHold(tx *gorm.DB, payment *models.EscrowPayment, now time.Time) error {
	var sender models.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sender, "id = ?", payment.SenderAccountID).Error; err != nil {
		return err
	}
	sender.EscrowHeldMicros -= payment.AmountMicros
	sender.UpdatedAt = now
	if err := tx.Save(&sender).Error; err != nil {
		return err
	}
	return l.decrementAggregate(tx, payment.RecipientIdentifier, payment.AmountMicros, now)
}

func (l *Ledger) decrementAggregate(tx *gorm.DB, identifier string, amount int64, now time.Time) error {
	return tx.Model(&models.PendingAggregate{}).
		Where("recipient_identifier = ?", identifier).
		Updates(map[string]interface{}{
			"total_micros":  gorm.Expr("total_micros - ?", amount),
			"payment_count": gorm.Expr("payment_count - 1"),
			"updated_at":    now,
		}).Error
}

func (l *Ledger) completeLinkedTransaction(tx *gorm.DB, payment *models.EscrowPayment, status models.TransactionStatus, extra txledger.Extra) (*models.Transaction, error) {
	var record models.Transaction
	if err := tx.First(&record, "escrow_id = ?", payment.ID).Error; err != nil {
		return nil, fmt.Errorf("escrow: linked transaction for %s: %w", payment.ID, err)
	}
	return l.txs.UpdateStatusIn(tx, record.ID, status, extra)
}

// Get loads an escrow by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := l.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// ListBySender returns a sender's escrows, newest first.
func (l *Ledger) ListBySender(ctx context.Context, senderAccountID uuid.UUID) ([]models.EscrowPayment, error) {
	var payments []models.EscrowPayment
	err := l.db.WithContext(ctx).
		Where("sender_account_id = ?", senderAccountID).
		Order("created_at DESC").
		Find(&payments).Error
	return payments, err
}

// PendingFor returns the aggregate of unresolved value held for an identifier.
func (l *Ledger) PendingFor(ctx context.Context, identifier string) (*models.PendingAggregate, error) {
	var agg models.PendingAggregate
	err := l.db.WithContext(ctx).First(&agg, "recipient_identifier = ?", strings.ToLower(strings.TrimSpace(identifier))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.PendingAggregate{RecipientIdentifier: identifier}, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func normalizeIdentifier(channel models.Channel, identifier string) string {
	trimmed := strings.TrimSpace(identifier)
	if channel == models.ChannelEmail {
		return strings.ToLower(trimmed)
	}
	return trimmed
}

func identifierMatches(payment models.EscrowPayment, claimant models.Account) bool {
	switch payment.Channel {
	case models.ChannelEmail:
		return claimant.Email != "" && strings.EqualFold(claimant.Email, payment.RecipientIdentifier)
	case models.ChannelPhone:
		return claimant.Phone != "" && claimant.Phone == payment.RecipientIdentifier
	default:
		return false
	}
}

func resolveIdentifier(tx *gorm.DB, channel models.Channel, identifier string) *uuid.UUID {
	var account models.Account
	var err error
	switch channel {
	case models.ChannelEmail:
		err = tx.First(&account, "email = ?", identifier).Error
	case models.ChannelPhone:
		err = tx.First(&account, "phone = ?", identifier).Error
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	id := account.ID
	return &id
}

func appendAudit(tx *gorm.DB, escrowID *uuid.UUID, accountID uuid.UUID, action, details string, now time.Time) error {
	return tx.Create(&models.AuditEvent{
		ID:        uuid.New(),
		EscrowID:  escrowID,
		AccountID: accountID,
		Action:    action,
		Details:   details,
		CreatedAt: now,
	}).Error
}

func newTrackingID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
