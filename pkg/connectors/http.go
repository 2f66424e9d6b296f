package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// defaultTimeout bounds every outbound collaborator call.
const defaultTimeout = 10 * time.Second

// httpClient is the shared transport for the HTTP collaborator clients.
type httpClient struct {
	base   string
	apiKey string
	client *http.Client
}

func newHTTPClient(base, apiKey string) *httpClient {
	return &httpClient{
		base:   base,
		apiKey: apiKey,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// postJSON sends one idempotent POST and decodes the response into out.
// 5xx and 429 map to retryable errors, other non-2xx to permanent ones.
func (c *httpClient) postJSON(ctx context.Context, op, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failure: timeout, refused connection. Retryable.
		return &Error{Op: op, Retryable: true, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &Error{Op: op, StatusCode: resp.StatusCode, Retryable: retryable, Message: string(msg)}
}

// HTTPPaymentProcessor talks to the payment processor's server-side charge
// API. Card collection happens in the processor's hosted flow; by the time
// a charge fires the destination is a stored payment method reference.
type HTTPPaymentProcessor struct {
	*httpClient
}

func NewHTTPPaymentProcessor(base, apiKey string) *HTTPPaymentProcessor {
	return &HTTPPaymentProcessor{httpClient: newHTTPClient(base, apiKey)}
}

func (p *HTTPPaymentProcessor) Charge(ctx context.Context, idempotencyKey string, stake *contracts.MonetaryStake) (string, error) {
	req := map[string]any{
		"amount_cents": stake.AmountCents,
		"currency":     stake.Currency,
		"destination":  stake.Destination,
	}
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := p.postJSON(ctx, "charge", "/v1/charges", idempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

// HTTPContentReleaser talks to the content-release service.
type HTTPContentReleaser struct {
	*httpClient
}

func NewHTTPContentReleaser(base, apiKey string) *HTTPContentReleaser {
	return &HTTPContentReleaser{httpClient: newHTTPClient(base, apiKey)}
}

func (r *HTTPContentReleaser) Release(ctx context.Context, idempotencyKey string, stake *contracts.ContentReleaseStake) (string, error) {
	req := map[string]any{
		"content_ref": stake.ContentRef,
		"severity":    stake.Severity,
		"recipients":  stake.Recipients,
	}
	var resp struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := r.postJSON(ctx, "release", "/v1/releases", idempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.DeliveryID, nil
}

// HTTPSocialPoster talks to the social platform connector.
type HTTPSocialPoster struct {
	*httpClient
}

func NewHTTPSocialPoster(base, apiKey string) *HTTPSocialPoster {
	return &HTTPSocialPoster{httpClient: newHTTPClient(base, apiKey)}
}

func (p *HTTPSocialPoster) Post(ctx context.Context, idempotencyKey string, stake *contracts.SocialPostStake) (string, error) {
	req := map[string]any{
		"account_ref": stake.PlatformAccountRef,
		"body":        stake.Body,
	}
	var resp struct {
		PostID string `json:"post_id"`
	}
	if err := p.postJSON(ctx, "post", "/v1/posts", idempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.PostID, nil
}
