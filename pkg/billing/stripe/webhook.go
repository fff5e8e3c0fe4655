package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/scribegate/pkg/billing/internal"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

type webhookResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events
func (p *Processor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		p.writeResult(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodySize)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			p.writeResult(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			p.writeResult(w, http.StatusBadRequest, "invalid payload")
		}
		return
	}

	ev, err := p.Process(r.Context(), body, r.Header.Get("Stripe-Signature"))

	eventType := "UNKNOWN"
	if ev != nil && ev.Type != "" {
		eventType = ev.Type
	}
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	if err != nil {
		status, errorType := classifyWebhookError(err)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, errorType)
		if status >= http.StatusInternalServerError {
			p.logger.Error("stripe webhook processing failed",
				scribegate.Field{"eventType", eventType},
				scribegate.Field{"error", err},
			)
		} else {
			p.logger.Warn("stripe webhook rejected",
				scribegate.Field{"eventType", eventType},
				scribegate.Field{"error", err},
			)
		}
		p.writeResult(w, status, err.Error())
		return
	}

	outcome := "success"
	if ev.Kind == scribegate.EventOther {
		outcome = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	p.writeResult(w, http.StatusOK, "")
}

func (p *Processor) writeResult(w http.ResponseWriter, status int, msg string) {
	resp := webhookResponse{Success: status == http.StatusOK, Error: msg}
	if err := internal.WriteJSON(w, status, resp); err != nil {
		p.logger.Debug("failed to write webhook response", scribegate.Field{"error", err})
	}
}

// classifyWebhookError maps a processing error to an HTTP status and a metrics label.
// Bad input is the sender's problem (4xx); a failed store mutation is ours (5xx)
// and Stripe will redeliver.
func classifyWebhookError(err error) (int, string) {
	switch {
	case errors.Is(err, scribegate.ErrWebhookVerification):
		return http.StatusBadRequest, "bad_signature"
	case errors.Is(err, scribegate.ErrWebhookParse):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, scribegate.ErrValidation):
		return http.StatusBadRequest, "invalid_user_id"
	default:
		return http.StatusInternalServerError, "entitlement_store"
	}
}
