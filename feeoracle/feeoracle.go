package feeoracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// Fees carries the EIP-1559 style fee fields a user operation needs.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Oracle provides current network fee pricing.
type Oracle interface {
	Fees(ctx context.Context) (Fees, error)
}

// ErrUnavailable indicates the oracle could not provide fees.
var ErrUnavailable = errors.New("feeoracle: fees unavailable")

// HTTPOracle fetches fee fields from an external pricing endpoint. Fetching
// is an idempotent read, so transient failures are retried with bounded
// exponential backoff before giving up.
type HTTPOracle struct {
	baseURL    string
	authToken  string
	http       *http.Client
	maxRetries int
	backoff    time.Duration
}

// NewHTTPOracle constructs a fee oracle client for the given endpoint.
func NewHTTPOracle(baseURL, authToken string) *HTTPOracle {
	return &HTTPOracle{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
	}
}

type feeResponse struct {
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// Fees implements Oracle.
func (o *HTTPOracle) Fees(ctx context.Context) (Fees, error) {
	var lastErr error
	delay := o.backoff
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Fees{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		fees, err := o.fetch(ctx)
		if err == nil {
			return fees, nil
		}
		lastErr = err
	}
	return Fees{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (o *HTTPOracle) fetch(ctx context.Context) (Fees, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/v1/fees", nil)
	if err != nil {
		return Fees{}, err
	}
	if o.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.authToken)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return Fees{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Fees{}, fmt.Errorf("fee oracle status=%d body=%s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var payload feeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Fees{}, err
	}
	return parseFees(payload)
}

func parseFees(payload feeResponse) (Fees, error) {
	maxFee, ok := new(big.Int).SetString(payload.MaxFeePerGas, 10)
	if !ok || maxFee.Sign() <= 0 {
		return Fees{}, fmt.Errorf("invalid maxFeePerGas %q", payload.MaxFeePerGas)
	}
	tip, ok := new(big.Int).SetString(payload.MaxPriorityFeePerGas, 10)
	if !ok || tip.Sign() < 0 {
		return Fees{}, fmt.Errorf("invalid maxPriorityFeePerGas %q", payload.MaxPriorityFeePerGas)
	}
	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// Static returns fixed fees, for tests and degraded operation.
type Static struct {
	MaxFee *big.Int
	Tip    *big.Int
}

// Fees implements Oracle.
func (s Static) Fees(context.Context) (Fees, error) {
	maxFee := s.MaxFee
	if maxFee == nil {
		maxFee = big.NewInt(2_000_000_000) // 2 gwei
	}
	tip := s.Tip
	if tip == nil {
		tip = big.NewInt(100_000_000)
	}
	return Fees{MaxFeePerGas: new(big.Int).Set(maxFee), MaxPriorityFeePerGas: new(big.Int).Set(tip)}, nil
}
