package userop

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paylink/models"
)

// executeABI is the smart account's execute wrapper: every operation the
// wallet performs, including plain value transfers, goes through it.
const executeABI = `[{"type":"function","name":"execute","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}]}]`

var accountABI = mustParseABI(executeABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("userop: parse account abi: %v", err))
	}
	return parsed
}

// EncodeExecute packs a transfer (or arbitrary inner call) into the
// execute-wrapper callData.
func EncodeExecute(dest common.Address, value *big.Int, innerCall []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if innerCall == nil {
		innerCall = []byte{}
	}
	return accountABI.Pack("execute", dest, value, innerCall)
}

// DeploymentInitCode derives deterministic account-factory init data for an
// undeployed sender. The factory resolves the owner address back out of the
// init data, so the salt only needs to be stable per sender.
func DeploymentInitCode(owner common.Address) []byte {
	salt := ethcrypto.Keccak256(owner.Bytes())
	out := make([]byte, 0, len(owner)+len(salt))
	out = append(out, owner.Bytes()...)
	out = append(out, salt...)
	return out
}

// HashOperation computes the canonical hash binding every field of the
// operation except the signature. Byte payloads enter through their own
// keccak so the packing stays fixed-width.
func HashOperation(op *models.UserOperation) (common.Hash, error) {
	sender := common.HexToAddress(op.Sender)
	initCode, err := decodeHexField(op.InitCode)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop: hash: bad initCode: %w", err)
	}
	callData, err := decodeHexField(op.CallData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop: hash: bad callData: %w", err)
	}
	paymaster, err := decodeHexField(op.PaymasterAndData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop: hash: bad paymasterAndData: %w", err)
	}
	maxFee, ok := new(big.Int).SetString(op.MaxFeePerGas, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("userop: hash: bad maxFeePerGas %q", op.MaxFeePerGas)
	}
	tip, ok := new(big.Int).SetString(op.MaxPriorityFeePerGas, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("userop: hash: bad maxPriorityFeePerGas %q", op.MaxPriorityFeePerGas)
	}

	packed := make([]byte, 0, 224)
	packed = append(packed, sender.Bytes()...)
	packed = append(packed, uint64Bytes(op.Nonce)...)
	packed = append(packed, ethcrypto.Keccak256(initCode)...)
	packed = append(packed, ethcrypto.Keccak256(callData)...)
	packed = append(packed, uint64Bytes(op.CallGasLimit)...)
	packed = append(packed, uint64Bytes(op.VerificationGasLimit)...)
	packed = append(packed, uint64Bytes(op.PreVerificationGas)...)
	packed = append(packed, common.BigToHash(maxFee).Bytes()...)
	packed = append(packed, common.BigToHash(tip).Bytes()...)
	packed = append(packed, ethcrypto.Keccak256(paymaster)...)
	return ethcrypto.Keccak256Hash(packed), nil
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeHexField(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(trimmed)
}
