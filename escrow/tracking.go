package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylink/amount"
	"paylink/models"
)

// PublicView is the redacted tracking-token lookup result. It exposes only
// what an unauthenticated holder of the token may see: no internal ids, no
// recipient identifier beyond the one the caller already supplied.
type PublicView struct {
	TrackingID string              `json:"trackingId"`
	Channel    models.Channel      `json:"channel"`
	Amount     string              `json:"amount"`
	Message    string              `json:"message,omitempty"`
	SenderName string              `json:"senderName"`
	Status     models.EscrowStatus `json:"status"`
	ExpiresAt  time.Time           `json:"expiresAt"`
}

// GetByTrackingID resolves a tracking token to its redacted public view.
func (l *Ledger) GetByTrackingID(ctx context.Context, trackingID string) (*PublicView, error) {
	token := strings.TrimSpace(trackingID)
	if token == "" {
		return nil, ErrNotFound
	}
	var payment models.EscrowPayment
	if err := l.db.WithContext(ctx).First(&payment, "tracking_id = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	senderName := ""
	var sender models.Account
	if err := l.db.WithContext(ctx).First(&sender, "id = ?", payment.SenderAccountID).Error; err == nil {
		senderName = sender.DisplayName
	}
	return &PublicView{
		TrackingID: payment.TrackingID,
		Channel:    payment.Channel,
		Amount:     amount.Format(payment.AmountMicros),
		Message:    payment.Message,
		SenderName: senderName,
		Status:     payment.Status,
		ExpiresAt:  payment.ExpiresAt,
	}, nil
}

// FindByTrackingID resolves a tracking token to the escrow id, for claim
// flows that arrive with a token instead of an internal id.
func (l *Ledger) FindByTrackingID(ctx context.Context, trackingID string) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := l.db.WithContext(ctx).First(&payment, "tracking_id = ?", strings.TrimSpace(trackingID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// engagementRank orders the informational delivery states. Terminal states
// and backwards movement are never overwritten.
var engagementRank = map[models.EscrowStatus]int{
	models.EscrowPending:   0,
	models.EscrowDelivered: 1,
	models.EscrowOpened:    2,
	models.EscrowClicked:   3,
}

// RecordEngagement advances the informational delivery state for a tracking
// token. Engagement never moves money: terminal escrows and regressions are
// silent no-ops, matching the at-least-once semantics of delivery callbacks.
func (l *Ledger) RecordEngagement(ctx context.Context, trackingID string, state models.EscrowStatus) (*models.EscrowPayment, error) {
	rank, ok := engagementRank[state]
	if !ok || state == models.EscrowPending {
		return nil, fmt.Errorf("escrow: %q is not an engagement state", state)
	}
	var payment models.EscrowPayment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "tracking_id = ?", strings.TrimSpace(trackingID)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if payment.Status.Terminal() {
			return nil
		}
		if current, ok := engagementRank[payment.Status]; ok && rank <= current {
			return nil
		}
		payment.Status = state
		return tx.Save(&payment).Error
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
