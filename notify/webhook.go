package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paylink/amount"
	"paylink/escrow"
	"paylink/models"
)

// WebhookSender posts claim links to a delivery provider. The provider fans
// out to email or SMS based on the channel field.
type WebhookSender struct {
	endpoint     string
	apiKey       string
	claimBaseURL string
	client       *http.Client
}

// NewWebhookSender constructs a sender. claimBaseURL is the public prefix the
// tracking id is appended to when building the link the recipient opens.
func NewWebhookSender(endpoint, apiKey, claimBaseURL string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		endpoint:     endpoint,
		apiKey:       apiKey,
		claimBaseURL: claimBaseURL,
		client:       &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Channel    string `json:"channel"`
	Recipient  string `json:"recipient"`
	ClaimURL   string `json:"claimUrl"`
	Amount     string `json:"amount"`
	Message    string `json:"message,omitempty"`
	ExpiresAt  string `json:"expiresAt"`
	TrackingID string `json:"trackingId"`
}

// Send posts one claim link to the provider.
func (s *WebhookSender) Send(ctx context.Context, link escrow.ClaimLink) error {
	payload := webhookPayload{
		Channel:    channelName(link.Channel),
		Recipient:  link.Identifier,
		ClaimURL:   s.claimBaseURL + "/" + link.TrackingID,
		Amount:     amount.Format(link.Amount),
		Message:    link.Message,
		ExpiresAt:  link.ExpiresAt.UTC().Format(time.RFC3339),
		TrackingID: link.TrackingID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver claim link: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: provider returned status %d", resp.StatusCode)
	}
	return nil
}

func channelName(ch models.Channel) string {
	switch ch {
	case models.ChannelEmail:
		return "email"
	case models.ChannelPhone:
		return "sms"
	default:
		return string(ch)
	}
}
