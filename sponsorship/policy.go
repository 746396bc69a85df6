// Package sponsorship decides and records gas fee sponsorship. The budget
// check always derives from the append-only GasSponsorshipRecord rows; there
// is no separately maintained counter to drift.
package sponsorship

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"paylink/models"
	"paylink/observability/metrics"
)

// SponsorClient obtains paymaster data from the external sponsor service,
// sized to the operation's gas fields.
type SponsorClient interface {
	SponsorData(ctx context.Context, req SponsorRequest) (string, error)
}

// SponsorRequest describes the operation the sponsor is asked to cover.
type SponsorRequest struct {
	Sender               string `json:"sender"`
	CallGasLimit         uint64 `json:"callGasLimit"`
	VerificationGasLimit uint64 `json:"verificationGasLimit"`
	PreVerificationGas   uint64 `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
}

// Policy implements the sponsorship decision and its audit trail.
type Policy struct {
	db      *gorm.DB
	client  SponsorClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	enabled bool
	limit   int64
}

// Config collects the policy's dependencies and knobs.
type Config struct {
	DB              *gorm.DB
	Client          SponsorClient
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
	Enabled         bool
	PerAccountLimit int64
}

// New constructs a sponsorship policy.
func New(cfg Config) *Policy {
	p := &Policy{
		db:      cfg.DB,
		client:  cfg.Client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		enabled: cfg.Enabled,
		limit:   cfg.PerAccountLimit,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.limit <= 0 {
		p.limit = 10
	}
	return p
}

// ShouldSponsor reports whether the account's next operation qualifies for
// fee sponsorship: sponsorship enabled globally and the lifetime sponsored
// count below the configured limit.
func (p *Policy) ShouldSponsor(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if !p.enabled {
		return false, nil
	}
	var count int64
	if err := p.db.WithContext(ctx).
		Model(&models.GasSponsorshipRecord{}).
		Where("account_id = ?", accountID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count < p.limit, nil
}

// AttachPaymasterData asks the sponsor service for paymaster data and sets it
// on the operation. A sponsor outage degrades the send to unsponsored rather
// than failing it: the operation leaves with empty paymaster data and the
// caller pays its own fees.
func (p *Policy) AttachPaymasterData(ctx context.Context, op *models.UserOperation, shouldSponsor bool) bool {
	op.PaymasterAndData = ""
	if !shouldSponsor || p.client == nil {
		p.metrics.SponsorshipDecisions.WithLabelValues("declined").Inc()
		return false
	}
	data, err := p.client.SponsorData(ctx, SponsorRequest{
		Sender:               op.Sender,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
	})
	if err != nil {
		p.logger.Warn("sponsor service unavailable, sending unsponsored", "sender", op.Sender, "error", err)
		p.metrics.SponsorshipDecisions.WithLabelValues("degraded").Inc()
		return false
	}
	if data == "" {
		p.metrics.SponsorshipDecisions.WithLabelValues("declined").Inc()
		return false
	}
	op.PaymasterAndData = data
	p.metrics.SponsorshipDecisions.WithLabelValues("sponsored").Inc()
	return true
}

// RecordSponsorship appends an audit entry. The record is also what future
// ShouldSponsor calls count against.
func (p *Policy) RecordSponsorship(ctx context.Context, accountID uuid.UUID, opHash string, amountMicros int64, reason string) error {
	return p.db.WithContext(ctx).Create(&models.GasSponsorshipRecord{
		AccountID:    accountID,
		UserOpHash:   opHash,
		AmountMicros: amountMicros,
		Reason:       reason,
		CreatedAt:    p.now().UTC(),
	}).Error
}
