package sponsorship

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrSponsorUnavailable reports that the sponsor service could not be reached
// or declined the request.
var ErrSponsorUnavailable = errors.New("sponsorship: sponsor service unavailable")

// HTTPClient talks to an external paymaster sponsor service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient constructs a sponsor client for the given base URL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type sponsorResponse struct {
	PaymasterAndData string `json:"paymasterAndData"`
}

// SponsorData requests paymaster data covering the described operation.
func (c *HTTPClient) SponsorData(ctx context.Context, reqBody SponsorRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("sponsorship: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sponsor", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sponsorship: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSponsorUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrSponsorUnavailable, resp.StatusCode)
	}
	var decoded sponsorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("sponsorship: decode response: %w", err)
	}
	return decoded.PaymasterAndData, nil
}
