package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Channel distinguishes the deferred delivery channels for escrow payments.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelPhone Channel = "PHONE"
)

// EscrowStatus enumerates escrow lifecycle states. DELIVERED, OPENED and
// CLICKED are engagement markers only; CLAIMED, CANCELLED and EXPIRED are
// terminal and move money.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "PENDING"
	EscrowDelivered EscrowStatus = "DELIVERED"
	EscrowOpened    EscrowStatus = "OPENED"
	EscrowClicked   EscrowStatus = "CLICKED"
	EscrowClaimed   EscrowStatus = "CLAIMED"
	EscrowCancelled EscrowStatus = "CANCELLED"
	EscrowExpired   EscrowStatus = "EXPIRED"
)

// Terminal reports whether the status is a sink state.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowClaimed, EscrowCancelled, EscrowExpired:
		return true
	default:
		return false
	}
}

// NonTerminalEscrowStatuses lists every status that still holds value.
var NonTerminalEscrowStatuses = []EscrowStatus{EscrowPending, EscrowDelivered, EscrowOpened, EscrowClicked}

// TransactionType categorises ledger entries. An ESCROW_HOLD entry tracks
// its escrow's whole lifecycle; claim and cancel move it to a terminal
// status instead of emitting separate release or refund rows.
type TransactionType string

const (
	TxDirect     TransactionType = "DIRECT"
	TxEscrowHold TransactionType = "ESCROW_HOLD"
)

// TransactionStatus enumerates transaction ledger states.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxProcessing TransactionStatus = "PROCESSING"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxFailed     TransactionStatus = "FAILED"
	TxCancelled  TransactionStatus = "CANCELLED"
	TxInEscrow   TransactionStatus = "IN_ESCROW"
)

// UserOperationStatus tracks a meta-transaction through signing and relay.
type UserOperationStatus string

const (
	UserOpPending   UserOperationStatus = "PENDING"
	UserOpSubmitted UserOperationStatus = "SUBMITTED"
	UserOpIncluded  UserOperationStatus = "INCLUDED"
	UserOpFailed    UserOperationStatus = "FAILED"
)

// Account is a smart wallet owner. BalanceMicros is the cached spendable
// balance; EscrowHeldMicros is the running sum of this account's non-terminal
// escrow commitments and is mutated only by the escrow ledger.
type Account struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address          string    `gorm:"size:42;uniqueIndex"`
	Email            string    `gorm:"size:255;index"`
	Phone            string    `gorm:"size:32;index"`
	DisplayName      string    `gorm:"size:128"`
	Deployed         bool
	NextNonce        uint64
	BalanceMicros    int64
	EscrowHeldMicros int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EscrowPayment holds value sent to an email or phone identifier until it is
// claimed, cancelled, or expired.
type EscrowPayment struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Channel             Channel    `gorm:"size:8"`
	SenderAccountID     uuid.UUID  `gorm:"type:uuid;index"`
	RecipientIdentifier string     `gorm:"size:255;index"`
	RecipientAccountID  *uuid.UUID `gorm:"type:uuid"`
	AmountMicros        int64
	Message             string       `gorm:"size:512"`
	Status              EscrowStatus `gorm:"size:16;index"`
	TrackingID          string       `gorm:"size:64;uniqueIndex"`
	CancelReason        string       `gorm:"size:64"`
	CreatedAt           time.Time
	ExpiresAt           time.Time `gorm:"index"`
	ClaimedAt           *time.Time
	CancelledAt         *time.Time
}

// PendingAggregate is the denormalised running total of unresolved escrow
// value per recipient identifier.
type PendingAggregate struct {
	RecipientIdentifier string `gorm:"size:255;primaryKey"`
	TotalMicros         int64
	PaymentCount        int64
	UpdatedAt           time.Time
}

// Transaction is the canonical transfer record.
type Transaction struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Type               TransactionType   `gorm:"size:16;index"`
	Status             TransactionStatus `gorm:"size:16;index"`
	AmountMicros       int64
	SenderAccountID    uuid.UUID  `gorm:"type:uuid;index"`
	RecipientAccountID *uuid.UUID `gorm:"type:uuid"`
	EscrowID           *uuid.UUID `gorm:"type:uuid;index"`
	UserOpHash         *string    `gorm:"size:66;uniqueIndex"`
	TxHash             string     `gorm:"size:66"`
	GasUsed            uint64
	GasCostMicros      int64
	Sponsored          bool
	FailureReason      string `gorm:"size:255"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// UserOperation is a stored account-abstraction request keyed by its
// canonical hash.
type UserOperation struct {
	Hash                 string `gorm:"size:66;primaryKey"`
	Sender               string `gorm:"size:42;index"`
	Nonce                uint64
	InitCode             string `gorm:"type:text"`
	CallData             string `gorm:"type:text"`
	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64
	MaxFeePerGas         string `gorm:"size:32"`
	MaxPriorityFeePerGas string `gorm:"size:32"`
	PaymasterAndData     string              `gorm:"type:text"`
	Signature            string              `gorm:"type:text"`
	Status               UserOperationStatus `gorm:"size:16;index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// GasSponsorshipRecord is the append-only audit trail of sponsored
// operations. The per-account budget is always derived by counting these
// rows, never from a separately maintained counter.
type GasSponsorshipRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`
	UserOpHash   string    `gorm:"size:66"`
	AmountMicros int64
	Reason       string `gorm:"size:128"`
	CreatedAt    time.Time
}

// AuditEvent records escrow and transaction mutations for traceability.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EscrowID  *uuid.UUID `gorm:"type:uuid;index"`
	AccountID uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey caches send responses so clients can safely retry.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	AccountID   string `gorm:"size:64"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&EscrowPayment{},
		&PendingAggregate{},
		&Transaction{},
		&UserOperation{},
		&GasSponsorshipRecord{},
		&AuditEvent{},
		&IdempotencyKey{},
	)
}
