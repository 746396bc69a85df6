package txledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylink/models"
)

var (
	// ErrNotFound indicates an unknown transaction id.
	ErrNotFound = errors.New("txledger: transaction not found")
	// ErrInvalidTransition indicates the requested status change is not legal
	// from the transaction's current status.
	ErrInvalidTransition = errors.New("txledger: invalid status transition")
)

// legalTransitions is the complete transition table. Terminal states have no
// outgoing edges.
var legalTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TxPending:    {models.TxProcessing, models.TxFailed, models.TxCancelled},
	models.TxProcessing: {models.TxCompleted, models.TxFailed, models.TxCancelled},
	models.TxInEscrow:   {models.TxCompleted, models.TxCancelled},
}

func transitionAllowed(from, to models.TransactionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Extra carries the optional fields a status update may set alongside the
// status itself.
type Extra struct {
	RecipientAccountID *uuid.UUID
	UserOpHash         *string
	TxHash             string
	GasUsed            uint64
	GasCostMicros      int64
	Sponsored          *bool
	FailureReason      string
}

// Ledger owns the canonical transaction records. Every status mutation in the
// system flows through UpdateStatus; no other component writes transaction
// rows directly.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a transaction ledger backed by the provided database.
func New(db *gorm.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: db, now: now}
}

// Create inserts a new transaction record. The caller supplies the initial
// status (PENDING for direct sends, IN_ESCROW for holds).
func (l *Ledger) Create(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	now := l.now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return l.db.WithContext(ctx).Create(tx).Error
}

// CreateIn is Create executed inside an existing transaction handle, so a
// caller can insert the record atomically with its own writes.
func (l *Ledger) CreateIn(dbtx *gorm.DB, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	now := l.now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return dbtx.Create(tx).Error
}

// Get loads a transaction by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	if err := l.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// UpdateStatus applies a status transition with its extra fields in a single
// locked update. Illegal transitions fail with ErrInvalidTransition and leave
// the row untouched.
func (l *Ledger) UpdateStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus, extra Extra) (*models.Transaction, error) {
	var updated models.Transaction
	err := l.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		return l.updateStatusLocked(dbtx, id, status, extra, &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateStatusIn applies the same transition inside an existing transaction
// handle, for callers that must move a transaction together with other rows.
func (l *Ledger) UpdateStatusIn(dbtx *gorm.DB, id uuid.UUID, status models.TransactionStatus, extra Extra) (*models.Transaction, error) {
	var updated models.Transaction
	if err := l.updateStatusLocked(dbtx, id, status, extra, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (l *Ledger) updateStatusLocked(dbtx *gorm.DB, id uuid.UUID, status models.TransactionStatus, extra Extra, out *models.Transaction) error {
	var tx models.Transaction
	if err := dbtx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&tx, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !transitionAllowed(tx.Status, status) {
		return fmt.Errorf("%w: %s -> %s (tx %s)", ErrInvalidTransition, tx.Status, status, id)
	}
	now := l.now().UTC()
	tx.Status = status
	tx.UpdatedAt = now
	if status == models.TxCompleted {
		tx.CompletedAt = &now
	}
	if extra.RecipientAccountID != nil {
		tx.RecipientAccountID = extra.RecipientAccountID
	}
	if extra.UserOpHash != nil {
		tx.UserOpHash = extra.UserOpHash
	}
	if extra.TxHash != "" {
		tx.TxHash = extra.TxHash
	}
	if extra.GasUsed > 0 {
		tx.GasUsed = extra.GasUsed
	}
	if extra.GasCostMicros > 0 {
		tx.GasCostMicros = extra.GasCostMicros
	}
	if extra.Sponsored != nil {
		tx.Sponsored = *extra.Sponsored
	}
	if extra.FailureReason != "" {
		tx.FailureReason = extra.FailureReason
	}
	if err := dbtx.Save(&tx).Error; err != nil {
		return err
	}
	*out = tx
	return nil
}

// SumCompletedSince totals the amounts an account has moved since the cutoff,
// counting direct sends and escrow holds that are not failed or cancelled.
// Used by the limits checker for daily caps.
func (l *Ledger) SumCompletedSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount_micros), 0)").
		Where("sender_account_id = ? AND created_at >= ? AND status NOT IN ?", accountID, since,
			[]models.TransactionStatus{models.TxFailed, models.TxCancelled}).
		Scan(&total).Error
	return total, err
}
