package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPProcessor speaks the processor's form-encoded REST API.
type HTTPProcessor struct {
	BaseURL  string
	APIKey   string
	Currency string
	Client   *http.Client
}

func NewHTTPProcessor(baseURL, apiKey, currency string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPProcessor{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Currency: currency,
		Client:   &http.Client{Timeout: timeout},
	}
}

type objectResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPProcessor) post(ctx context.Context, op Op, path string, form url.Values, idempotencyKey string) (objectResponse, error) {
	var out objectResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return out, fmt.Errorf("processor %s: %w", op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("processor %s: read response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var e errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return out, &APIError{Op: op, StatusCode: res.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("processor %s: decode response: %w", op, err)
	}
	return out, nil
}

func (p *HTTPProcessor) currency(c string) string {
	if c != "" {
		return c
	}
	if p.Currency != "" {
		return p.Currency
	}
	return "usd"
}

func addMetadata(form url.Values, md map[string]string) {
	for k, v := range md {
		form.Set("metadata["+k+"]", v)
	}
}

func (p *HTTPProcessor) CreateCustomer(ctx context.Context, agentID string) (string, error) {
	form := url.Values{}
	form.Set("metadata[agent_id]", agentID)
	obj, err := p.post(ctx, OpCreateCustomer, "/customers", form, "customer-"+agentID)
	return obj.ID, err
}

// CreateHold opens a manual-capture payment intent.
func (p *HTTPProcessor) CreateHold(ctx context.Context, req HoldRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("currency", p.currency(req.Currency))
	form.Set("customer", req.CustomerID)
	form.Set("capture_method", "manual")
	addMetadata(form, req.Metadata)
	obj, err := p.post(ctx, OpCreateHold, "/payment_intents", form, req.IdempotencyKey)
	return obj.ID, err
}

func (p *HTTPProcessor) Capture(ctx context.Context, holdRef, idempotencyKey string) error {
	_, err := p.post(ctx, OpCapture, "/payment_intents/"+url.PathEscape(holdRef)+"/capture", url.Values{}, idempotencyKey)
	return err
}

func (p *HTTPProcessor) Cancel(ctx context.Context, holdRef, idempotencyKey string) error {
	_, err := p.post(ctx, OpCancel, "/payment_intents/"+url.PathEscape(holdRef)+"/cancel", url.Values{}, idempotencyKey)
	return err
}

func (p *HTTPProcessor) Refund(ctx context.Context, holdRef, idempotencyKey string) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", holdRef)
	form.Set("reason", "requested_by_customer")
	obj, err := p.post(ctx, OpRefund, "/refunds", form, idempotencyKey)
	return obj.ID, err
}

func (p *HTTPProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(req.Amount), 10))
	form.Set("currency", p.currency(req.Currency))
	form.Set("destination", req.Destination)
	addMetadata(form, req.Metadata)
	obj, err := p.post(ctx, OpTransfer, "/transfers", form, req.IdempotencyKey)
	return obj.ID, err
}
