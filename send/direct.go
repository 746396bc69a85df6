package send

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"paylink/models"
	"paylink/sponsorship"
	"paylink/txledger"
	"paylink/userop"
)

// weiPerMicro converts wei gas costs back to micro-unit amounts.
var weiPerMicro = big.NewInt(1_000_000_000_000)

// DirectPipeline executes a wallet-to-wallet transfer as a meta-transaction:
// build, sponsor, sign, submit, and track the ledger transaction through
// PENDING, PROCESSING and its terminal state. The cached account balance is
// never mutated here; it follows the chain through reconciliation.
type DirectPipeline struct {
	txs     *txledger.Ledger
	builder *userop.Builder
	sponsor *sponsorship.Policy
	signer  userop.Signer
}

// DirectConfig collects the pipeline's collaborators.
type DirectConfig struct {
	Transactions *txledger.Ledger
	Builder      *userop.Builder
	Sponsorship  *sponsorship.Policy
	Signer       userop.Signer
}

// NewDirectPipeline constructs the pipeline.
func NewDirectPipeline(cfg DirectConfig) *DirectPipeline {
	return &DirectPipeline{
		txs:     cfg.Transactions,
		builder: cfg.Builder,
		sponsor: cfg.Sponsorship,
		signer:  cfg.Signer,
	}
}

// Execute runs one direct transfer end to end. Every outcome leaves exactly
// one ledger transaction: COMPLETED when the relay reports inclusion,
// PROCESSING when the operation is in flight, FAILED otherwise.
func (p *DirectPipeline) Execute(ctx context.Context, sender *models.Account, recipient common.Address, recipientAccountID *uuid.UUID, amountMicros int64) (*models.Transaction, error) {
	record := &models.Transaction{
		Type:               models.TxDirect,
		Status:             models.TxPending,
		AmountMicros:       amountMicros,
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipientAccountID,
	}
	if err := p.txs.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("send: create transaction: %w", err)
	}

	op, err := p.builder.BuildTransfer(ctx, sender.Address, recipient, amountMicros)
	if err != nil {
		return p.fail(ctx, record, err)
	}

	shouldSponsor := false
	if p.sponsor != nil {
		eligible, sponsorErr := p.sponsor.ShouldSponsor(ctx, sender.ID)
		if sponsorErr != nil {
			return p.fail(ctx, record, sponsorErr)
		}
		shouldSponsor = eligible
	}
	sponsored := false
	if p.sponsor != nil {
		sponsored = p.sponsor.AttachPaymasterData(ctx, op, shouldSponsor)
	}
	if sponsored {
		// paymaster data changed the signed fields
		if err := p.builder.Rehash(ctx, op); err != nil {
			return p.fail(ctx, record, err)
		}
	}

	signature, err := p.signer.Sign(ctx, common.HexToHash(op.Hash))
	if err != nil {
		return p.fail(ctx, record, err)
	}

	record, err = p.txs.UpdateStatus(ctx, record.ID, models.TxProcessing, txledger.Extra{
		UserOpHash: &op.Hash,
		Sponsored:  &sponsored,
	})
	if err != nil {
		return nil, err
	}

	submitted, remote, err := p.builder.Submit(ctx, op.Hash, signature)
	if err != nil {
		return p.fail(ctx, record, err)
	}

	if sponsored {
		estCost := gasCostMicros(totalGas(submitted), submitted.MaxFeePerGas)
		if recErr := p.sponsor.RecordSponsorship(ctx, sender.ID, submitted.Hash, estCost, "auto"); recErr != nil {
			return nil, recErr
		}
	}
	if submitted.InitCode != "" {
		if err := p.builder.MarkDeployed(ctx, sender.Address); err != nil {
			return nil, err
		}
	}

	if remote != nil && strings.EqualFold(remote.Status, "INCLUDED") {
		return p.txs.UpdateStatus(ctx, record.ID, models.TxCompleted, txledger.Extra{
			TxHash:        remote.TxHash,
			GasUsed:       remote.GasUsed,
			GasCostMicros: gasCostMicros(remote.GasUsed, submitted.MaxFeePerGas),
		})
	}
	return record, nil
}

func (p *DirectPipeline) fail(ctx context.Context, record *models.Transaction, cause error) (*models.Transaction, error) {
	reason := cause.Error()
	if len(reason) > 255 {
		reason = reason[:255]
	}
	failed, updateErr := p.txs.UpdateStatus(ctx, record.ID, models.TxFailed, txledger.Extra{
		FailureReason: reason,
	})
	if updateErr != nil {
		return nil, fmt.Errorf("send: %v (and marking failed: %w)", cause, updateErr)
	}
	return failed, cause
}

func totalGas(op *models.UserOperation) uint64 {
	return op.CallGasLimit + op.VerificationGasLimit + op.PreVerificationGas
}

func gasCostMicros(gasUsed uint64, maxFeePerGas string) int64 {
	fee, ok := new(big.Int).SetString(maxFeePerGas, 10)
	if !ok {
		return 0
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), fee)
	cost.Quo(cost, weiPerMicro)
	if !cost.IsInt64() {
		return math.MaxInt64
	}
	return cost.Int64()
}
