// Package send routes an outgoing payment by its recipient: wallet addresses
// go straight to chain through the meta-transaction pipeline, emails and
// phone numbers become escrow holds with claim links.
package send

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"paylink/amount"
	"paylink/escrow"
	"paylink/limits"
	"paylink/models"
	"paylink/recipient"
	"paylink/txledger"
)

var (
	// ErrValidation flags a request the caller can fix: bad amount, bad
	// recipient, missing fields.
	ErrValidation = errors.New("send: invalid request")
	// ErrSenderNotFound reports an unknown sender account id.
	ErrSenderNotFound = errors.New("send: sender account not found")
	// ErrIdempotencyConflict reports a reused idempotency key with a
	// different request body.
	ErrIdempotencyConflict = errors.New("send: idempotency key reused with different request")
	// ErrIdempotencyInFlight reports a duplicate arriving while the original
	// request holding the key is still executing.
	ErrIdempotencyInFlight = errors.New("send: request with this idempotency key is in flight")
)

// Router is the single entry point for outgoing payments.
type Router struct {
	db      *gorm.DB
	escrows *escrow.Ledger
	direct  *DirectPipeline
	txs     *txledger.Ledger
	limits  limits.Checker
	logger  *slog.Logger
	now     func() time.Time
}

// RouterConfig collects the router's collaborators.
type RouterConfig struct {
	DB           *gorm.DB
	Escrows      *escrow.Ledger
	Direct       *DirectPipeline
	Transactions *txledger.Ledger
	Limits       limits.Checker
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewRouter constructs a send router.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		db:      cfg.DB,
		escrows: cfg.Escrows,
		direct:  cfg.Direct,
		txs:     cfg.Transactions,
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if r.limits == nil {
		r.limits = limits.Unlimited{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Request describes one outgoing payment.
type Request struct {
	SenderAccountID uuid.UUID
	Recipient       string
	Amount          string
	Message         string
	ExpirationDays  int
	IdempotencyKey  string
}

// Preview is the dry-run view of a request: how it would be routed and what
// it would cost, with no state touched.
type Preview struct {
	Recipient      recipient.Recipient
	AmountMicros   int64
	Amount         string
	RequiresEscrow bool
	PendingMicros  int64
}

// Result reports what a send produced. Exactly one ledger transaction exists
// for every accepted request; escrow sends additionally carry the escrow
// record and its tracking id.
type Result struct {
	Method      recipient.Kind
	Transaction *models.Transaction
	Escrow      *models.EscrowPayment
	TrackingID  string
	Replayed    bool
}

// Preview validates and classifies a request without mutating anything. Send
// applies the identical parsing and classification, so a previewed request
// cannot route differently when submitted.
func (r *Router) Preview(ctx context.Context, req Request) (*Preview, error) {
	micros, rec, err := r.validate(req)
	if err != nil {
		return nil, err
	}
	p := &Preview{
		Recipient:      rec,
		AmountMicros:   micros,
		Amount:         amount.Format(micros),
		RequiresEscrow: rec.Kind != recipient.KindWallet,
	}
	if p.RequiresEscrow {
		if agg, aggErr := r.escrows.PendingFor(ctx, rec.Normalized); aggErr == nil && agg != nil {
			p.PendingMicros = agg.TotalMicros
		}
	}
	return p, nil
}

// Send validates, enforces limits, and routes the payment. Limit and
// validation failures happen before any write.
func (r *Router) Send(ctx context.Context, req Request) (*Result, error) {
	micros, rec, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	var sender models.Account
	if err := r.db.WithContext(ctx).First(&sender, "id = ?", req.SenderAccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, err
	}

	reserved := false
	if req.IdempotencyKey != "" {
		replay, won, err := r.reserve(ctx, req.IdempotencyKey, sender.ID, requestHash(req))
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
		reserved = won
	}

	if err := r.limits.Check(ctx, sender.ID, micros); err != nil {
		if reserved {
			r.releaseReservation(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	var result *Result
	switch rec.Kind {
	case recipient.KindWallet:
		result, err = r.sendDirect(ctx, &sender, rec, micros)
	case recipient.KindEmail, recipient.KindPhone:
		result, err = r.sendEscrow(ctx, &sender, rec, micros, req)
	default:
		err = fmt.Errorf("%w: unroutable recipient", ErrValidation)
	}
	if err != nil {
		if reserved {
			r.releaseReservation(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if reserved {
		r.storeIdempotency(ctx, req.IdempotencyKey, result)
	}
	return result, nil
}

func (r *Router) validate(req Request) (int64, recipient.Recipient, error) {
	micros, err := amount.Parse(req.Amount)
	if err != nil {
		return 0, recipient.Recipient{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rec := recipient.Classify(req.Recipient)
	if !rec.Valid() {
		return 0, rec, fmt.Errorf("%w: %s", ErrValidation, rec.Explanation)
	}
	return micros, rec, nil
}

func (r *Router) sendDirect(ctx context.Context, sender *models.Account, rec recipient.Recipient, micros int64) (*Result, error) {
	dest := common.HexToAddress(rec.Normalized)
	var recipientAccountID *uuid.UUID
	var existing models.Account
	if err := r.db.WithContext(ctx).First(&existing, "address = ?", rec.Normalized).Error; err == nil {
		recipientAccountID = &existing.ID
	}
	tx, err := r.direct.Execute(ctx, sender, dest, recipientAccountID, micros)
	if err != nil {
		return nil, err
	}
	return &Result{Method: recipient.KindWallet, Transaction: tx}, nil
}

func (r *Router) sendEscrow(ctx context.Context, sender *models.Account, rec recipient.Recipient, micros int64, req Request) (*Result, error) {
	channel := models.ChannelEmail
	if rec.Kind == recipient.KindPhone {
		channel = models.ChannelPhone
	}
	created, err := r.escrows.Create(ctx, escrow.CreateParams{
		SenderAccountID:     sender.ID,
		Channel:             channel,
		RecipientIdentifier: rec.Normalized,
		AmountMicros:        micros,
		Message:             req.Message,
		ExpirationDays:      req.ExpirationDays,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Method:      rec.Kind,
		Transaction: created.Transaction,
		Escrow:      created.Escrow,
		TrackingID:  created.Escrow.TrackingID,
	}, nil
}

type storedResult struct {
	Method        recipient.Kind `json:"method"`
	TransactionID uuid.UUID      `json:"transactionId"`
	EscrowID      *uuid.UUID     `json:"escrowId,omitempty"`
	TrackingID    string         `json:"trackingId,omitempty"`
}

// reserve inserts the idempotency row before any money moves. The primary
// key arbitrates concurrent duplicates: exactly one request wins the insert,
// later arrivals replay the stored result, conflict on a different body, or
// see the winner still running.
func (r *Router) reserve(ctx context.Context, key string, accountID uuid.UUID, reqHash string) (*Result, bool, error) {
	row := models.IdempotencyKey{
		Key:         key,
		AccountID:   accountID.String(),
		RequestHash: reqHash,
		CreatedAt:   r.now().UTC(),
	}
	createErr := r.db.WithContext(ctx).Create(&row).Error
	if createErr == nil {
		return nil, true, nil
	}

	var existing models.IdempotencyKey
	if err := r.db.WithContext(ctx).First(&existing, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, createErr
		}
		return nil, false, err
	}
	if existing.RequestHash != reqHash {
		return nil, false, ErrIdempotencyConflict
	}
	if existing.Response == "" {
		return nil, false, ErrIdempotencyInFlight
	}
	replay, err := r.loadStored(ctx, existing.Response)
	if err != nil {
		return nil, false, err
	}
	return replay, false, nil
}

func (r *Router) loadStored(ctx context.Context, raw string) (*Result, error) {
	var stored storedResult
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("send: decode stored result: %w", err)
	}
	result := &Result{Method: stored.Method, TrackingID: stored.TrackingID, Replayed: true}
	if tx, err := r.txs.Get(ctx, stored.TransactionID); err == nil {
		result.Transaction = tx
	}
	if stored.EscrowID != nil {
		if esc, err := r.escrows.Get(ctx, *stored.EscrowID); err == nil {
			result.Escrow = esc
		}
	}
	return result, nil
}

func (r *Router) storeIdempotency(ctx context.Context, key string, result *Result) {
	stored := storedResult{Method: result.Method, TrackingID: result.TrackingID}
	if result.Transaction != nil {
		stored.TransactionID = result.Transaction.ID
	}
	if result.Escrow != nil {
		stored.EscrowID = &result.Escrow.ID
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := r.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{"status": 200, "response": string(payload)}).Error; err != nil {
		r.logger.Warn("store idempotency result", "key", key, "error", err)
	}
}

// releaseReservation frees the key after a failed send so a retry with the
// same key can run.
func (r *Router) releaseReservation(ctx context.Context, key string) {
	if err := r.db.WithContext(ctx).
		Where("key = ? AND response = ''", key).
		Delete(&models.IdempotencyKey{}).Error; err != nil {
		r.logger.Warn("release idempotency key", "key", key, "error", err)
	}
}

func requestHash(req Request) string {
	sum := sha256.Sum256([]byte(
		req.SenderAccountID.String() + "|" + req.Recipient + "|" + req.Amount + "|" + req.Message))
	return hex.EncodeToString(sum[:])
}
