package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"escrowline/internal/payments"
)

// SignatureHeader carries the processor's "t=,v1=" signature.
const SignatureHeader = "Processor-Signature"

type webhookAck struct {
	Received bool   `json:"received"`
	Result   string `json:"result,omitempty"`
}

// processorWebhook verifies, decodes and applies one processor delivery. The
// signature is checked against the exact bytes received.
func (g *gateway) processorWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := bodyBytes(ctx)
	secret := ""
	if g.engine.Config != nil {
		secret = g.engine.Config.Processor.WebhookSecret
	}
	err := payments.VerifySignature(body, r.Header.Get(SignatureHeader), secret, payments.DefaultTolerance, g.clock())
	switch {
	case errors.Is(err, payments.ErrMissingSignature):
		respondStatusError(w, newAPIError(http.StatusBadRequest, "missing_signature", "Processor-Signature header required", nil))
		return
	case err != nil:
		g.logger.Warn("processor webhook rejected", zap.Error(err))
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid webhook signature", nil))
		return
	}
	ev, err := payments.ParseEvent(body)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
		return
	}
	if g.engine.Settlement == nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", "settlement not configured", nil))
		return
	}
	result, err := g.engine.Settlement.Ingest(ctx, ev)
	if err != nil {
		g.logger.Error("processor webhook failed",
			zap.String("event_id", ev.EventID()),
			zap.String("event_type", ev.EventType()),
			zap.Error(err))
		// A non-2xx answer makes the processor redeliver.
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "webhook processing failed", nil))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(webhookAck{Received: true, Result: result})
}
