package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/a2a-x402"
)

// Facilitator verifies and settles payments. Errors are reserved for
// failures to reach a verdict; an invalid payment is a VerifyResponse with
// IsValid false. Transient failures wrap x402.ErrProviderUnavailable.
type Facilitator interface {
	Verify(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error)
	Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error)
	GetSupported(ctx context.Context) ([]SupportedKind, error)
}

// HTTPFacilitator implements Facilitator using HTTP API
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator creates a new HTTP-based facilitator client
func NewHTTPFacilitator(baseURL string) *HTTPFacilitator {
	return &HTTPFacilitator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to change timeouts.
func (f *HTTPFacilitator) WithHTTPClient(client *http.Client) *HTTPFacilitator {
	f.client = client
	return f
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*VerifyResponse, error) {
	var verifyResp VerifyResponse
	if err := f.post(ctx, "/verify", &VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}, &verifyResp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &verifyResp, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*SettleResponse, error) {
	var settleResp SettleResponse
	if err := f.post(ctx, "/settle", &SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}, &settleResp); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	if settleResp.Network == "" {
		settleResp.Network = payment.Network
	}
	return &settleResp, nil
}

func (f *HTTPFacilitator) GetSupported(ctx context.Context) ([]SupportedKind, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("create supported request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: supported request failed: %v", x402.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("supported", resp)
	}

	var result struct {
		Kinds []SupportedKind `json:"kinds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}

	return result.Kinds, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(strings.TrimPrefix(path, "/"), resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", x402.ErrProviderUnavailable, err)
	}
	return nil
}

// statusError reads the error body of a non-200 response. Server-side and
// throttling failures are transient.
func statusError(op string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	errMsg := string(bodyBytes)

	var errResp map[string]any
	if err := json.Unmarshal(bodyBytes, &errResp); err == nil {
		if details, ok := errResp["details"]; ok {
			errMsg = fmt.Sprintf("%s - details: %v", errMsg, details)
		}
	}

	err := fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, errMsg)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", x402.ErrProviderUnavailable, err)
	}
	return err
}
