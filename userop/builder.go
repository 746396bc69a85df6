package userop

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylink/feeoracle"
	"paylink/models"
	"paylink/relay"
)

var (
	// ErrInsufficientFunds indicates the sender's cached balance cannot cover
	// the transfer. Checked before building, never deferred to the network.
	ErrInsufficientFunds = errors.New("userop: insufficient balance")
	// ErrAccountNotFound indicates an unknown sender address.
	ErrAccountNotFound = errors.New("userop: account not found")
	// ErrOperationNotFound indicates an unknown operation hash.
	ErrOperationNotFound = errors.New("userop: operation not found")
	// ErrFeesUnavailable indicates the fee oracle could not price the
	// operation. Fatal to the attempt; sends are never built with guessed
	// fees.
	ErrFeesUnavailable = errors.New("userop: fee oracle unavailable")
)

// Signer produces a signature over a canonical operation hash. Key custody is
// external to this service.
type Signer interface {
	Sign(ctx context.Context, hash common.Hash) ([]byte, error)
}

// microsToWeiFactor converts micro-units (1e-6 of a token with 18 decimals)
// into wei.
var microsToWeiFactor = big.NewInt(1_000_000_000_000)

// Builder assembles unsigned user operations: nonce allocation, gas
// estimation, callData encoding and canonical hashing. Signing and relay
// submission stay behind the Signer and relay.Client collaborators.
type Builder struct {
	db     *gorm.DB
	oracle feeoracle.Oracle
	relay  relay.Client
	logger *slog.Logger
	now    func() time.Time

	// nonceMu serializes in-process allocations per sender before the
	// database increment, so concurrent builds for one account queue
	// instead of contending on row locks.
	nonceMu sync.Mutex
	senders map[string]*sync.Mutex
}

// Config collects the builder's dependencies.
type Config struct {
	DB     *gorm.DB
	Oracle feeoracle.Oracle
	Relay  relay.Client
	Logger *slog.Logger
	Now    func() time.Time
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg Config) *Builder {
	b := &Builder{
		db:      cfg.DB,
		oracle:  cfg.Oracle,
		relay:   cfg.Relay,
		logger:  cfg.Logger,
		now:     cfg.Now,
		senders: make(map[string]*sync.Mutex),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Builder) senderLock(address string) *sync.Mutex {
	b.nonceMu.Lock()
	defer b.nonceMu.Unlock()
	key := strings.ToLower(address)
	mu, ok := b.senders[key]
	if !ok {
		mu = &sync.Mutex{}
		b.senders[key] = mu
	}
	return mu
}

// NextNonce allocates the next nonce for a sender. Allocation is serialized
// per sender and increments the persisted counter in the same transaction
// that reads it, so a nonce is issued at most once and nonces strictly
// increase.
func (b *Builder) NextNonce(ctx context.Context, address string) (uint64, error) {
	mu := b.senderLock(address)
	mu.Lock()
	defer mu.Unlock()

	var nonce uint64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "address = ?", address).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		nonce = account.NextNonce
		account.NextNonce++
		account.UpdatedAt = b.now().UTC()
		return tx.Save(&account).Error
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// GasEstimate carries the three gas dimensions of a user operation.
type GasEstimate struct {
	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64
}

const (
	baseCallGas          = 35_000
	baseVerificationGas  = 60_000
	deploymentSurcharge  = 240_000
	basePreVerification  = 21_000
	perByteCallDataGas   = 16
	perBytePreVerifyCost = 4
)

// EstimateGas prices an operation's gas dimensions. Verification covers the
// sender account's own deployment when it has not been deployed yet.
func (b *Builder) EstimateGas(callData []byte, deploymentNeeded bool) GasEstimate {
	est := GasEstimate{
		CallGasLimit:         baseCallGas + uint64(len(callData))*perByteCallDataGas,
		VerificationGasLimit: baseVerificationGas,
		PreVerificationGas:   basePreVerification + uint64(len(callData))*perBytePreVerifyCost,
	}
	if deploymentNeeded {
		est.VerificationGasLimit += deploymentSurcharge
	}
	return est
}

// BuildTransfer assembles the full unsigned operation for a value transfer:
// balance pre-flight, nonce, deployment init data when the account is not
// yet deployed, execute-wrapper callData, oracle fee fields, and the
// canonical hash. The stored row is PENDING until submission.
func (b *Builder) BuildTransfer(ctx context.Context, senderAddress string, recipient common.Address, amountMicros int64) (*models.UserOperation, error) {
	if amountMicros <= 0 {
		return nil, fmt.Errorf("userop: amount must be positive")
	}
	var sender models.Account
	if err := b.db.WithContext(ctx).First(&sender, "address = ?", senderAddress).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if sender.BalanceMicros < amountMicros {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sender.BalanceMicros, amountMicros)
	}

	// External fee fetch happens before nonce allocation so an oracle
	// outage never burns a nonce.
	fees, err := b.oracle.Fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeesUnavailable, err)
	}

	value := new(big.Int).Mul(big.NewInt(amountMicros), microsToWeiFactor)
	callData, err := EncodeExecute(recipient, value, nil)
	if err != nil {
		return nil, fmt.Errorf("userop: encode callData: %w", err)
	}

	initCode := ""
	if !sender.Deployed {
		initCode = hexEncode(DeploymentInitCode(common.HexToAddress(sender.Address)))
	}

	nonce, err := b.NextNonce(ctx, sender.Address)
	if err != nil {
		return nil, err
	}

	est := b.EstimateGas(callData, !sender.Deployed)
	op := &models.UserOperation{
		Sender:               sender.Address,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             hexEncode(callData),
		CallGasLimit:         est.CallGasLimit,
		VerificationGasLimit: est.VerificationGasLimit,
		PreVerificationGas:   est.PreVerificationGas,
		MaxFeePerGas:         fees.MaxFeePerGas.String(),
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas.String(),
		Status:               models.UserOpPending,
	}
	hash, err := HashOperation(op)
	if err != nil {
		return nil, err
	}
	op.Hash = hash.Hex()

	now := b.now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	if err := b.db.WithContext(ctx).Create(op).Error; err != nil {
		return nil, err
	}
	return op, nil
}

// Rehash recomputes the canonical hash after a field change (paymaster
// attach) and moves the stored row to the new key.
func (b *Builder) Rehash(ctx context.Context, op *models.UserOperation) error {
	oldHash := op.Hash
	hash, err := HashOperation(op)
	if err != nil {
		return err
	}
	if hash.Hex() == oldHash {
		return nil
	}
	op.Hash = hash.Hex()
	op.UpdatedAt = b.now().UTC()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.UserOperation{}, "hash = ?", oldHash).Error; err != nil {
			return err
		}
		return tx.Create(op).Error
	})
}

// Submit attaches the signature and forwards the operation to the relay.
// When the relay is unreachable the client polls for existing remote state
// instead of retrying the send, since a blind resubmit risks double
// execution.
func (b *Builder) Submit(ctx context.Context, hash string, signature []byte) (*models.UserOperation, *relay.RemoteOperation, error) {
	var op models.UserOperation
	if err := b.db.WithContext(ctx).First(&op, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrOperationNotFound
		}
		return nil, nil, err
	}
	op.Signature = hexEncode(signature)

	remote, err := b.relay.Submit(ctx, relay.SubmitRequest{
		Hash:                 op.Hash,
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
	if err != nil {
		if errors.Is(err, relay.ErrUnavailable) {
			if existing, pollErr := b.relay.GetByHash(ctx, op.Hash); pollErr == nil {
				b.logger.Warn("relay submit failed but operation already known", "hash", op.Hash)
				remote = existing
				err = nil
			}
		}
		if err != nil {
			op.Status = models.UserOpFailed
			op.UpdatedAt = b.now().UTC()
			_ = b.db.WithContext(ctx).Save(&op).Error
			return nil, nil, err
		}
	}

	op.Status = models.UserOpSubmitted
	op.UpdatedAt = b.now().UTC()
	if err := b.db.WithContext(ctx).Save(&op).Error; err != nil {
		return nil, nil, err
	}
	return &op, remote, nil
}

// MarkDeployed flips the account's deployed flag after its first successful
// operation lands.
func (b *Builder) MarkDeployed(ctx context.Context, address string) error {
	return b.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("address = ?", address).
		Update("deployed", true).Error
}

func hexEncode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(data)
}
