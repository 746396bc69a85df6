// Package relay talks to the execution relay that bundles signed user
// operations onto the network. Submission is not idempotent, so the client
// never blind-retries a send: on transport failure it polls for existing
// remote state first.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrRejected indicates the relay refused the operation outright.
	ErrRejected = errors.New("relay: operation rejected")
	// ErrUnavailable indicates the relay could not be reached.
	ErrUnavailable = errors.New("relay: unreachable")
	// ErrUnknownOperation indicates the relay has no record of the hash.
	ErrUnknownOperation = errors.New("relay: unknown operation")
)

// SubmitRequest is the signed operation payload forwarded to the relay.
type SubmitRequest struct {
	Hash                 string `json:"hash"`
	Sender               string `json:"sender"`
	Nonce                uint64 `json:"nonce"`
	InitCode             string `json:"initCode,omitempty"`
	CallData             string `json:"callData"`
	CallGasLimit         uint64 `json:"callGasLimit"`
	VerificationGasLimit uint64 `json:"verificationGasLimit"`
	PreVerificationGas   uint64 `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData,omitempty"`
	Signature            string `json:"signature"`
}

// RemoteOperation mirrors the relay's view of a submitted operation.
type RemoteOperation struct {
	Hash    string `json:"hash"`
	Status  string `json:"status"`
	TxHash  string `json:"txHash,omitempty"`
	GasUsed uint64 `json:"gasUsed,omitempty"`
}

// Client is the relay interface the pipeline depends on.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*RemoteOperation, error)
	GetByHash(ctx context.Context, hash string) (*RemoteOperation, error)
}

// HTTPClient implements Client against the relay's JSON-RPC endpoint.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewHTTPClient constructs a relay client.
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Submit forwards a signed operation. Transport errors surface as
// ErrUnavailable so the pipeline can poll GetByHash before deciding whether
// the operation actually landed.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (*RemoteOperation, error) {
	var result RemoteOperation
	if err := c.call(ctx, "relay_submitOperation", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetByHash looks up a previously submitted operation.
func (c *HTTPClient) GetByHash(ctx context.Context, hash string) (*RemoteOperation, error) {
	var result RemoteOperation
	err := c.call(ctx, "relay_getOperation", []interface{}{map[string]string{"hash": hash}}, &result)
	if err != nil {
		return nil, err
	}
	if result.Hash == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, hash)
	}
	return &result, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, string(body))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s", ErrRejected, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("relay: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
