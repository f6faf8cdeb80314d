package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/quizwire/trivia-gateway/internal/services"
	xhttp "github.com/quizwire/trivia-gateway/pkg/http"
	"github.com/quizwire/trivia-gateway/pkg/prom"
)

const (
	headerTimestamp = "X-Textbelt-Timestamp"
	headerSignature = "X-Textbelt-Signature"
)

type ReplyCorrelator interface {
	HandleReply(ctx context.Context, raw []byte, timestamp, signature string) (*services.ReplyOutcome, error)
}

type WebhookHandler struct {
	correlator ReplyCorrelator
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhook", h.HandleReply)
}

func NewWebhookHandler(correlator ReplyCorrelator) *WebhookHandler {
	return &WebhookHandler{correlator: correlator}
}

type webhookResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Correct   bool   `json:"correct,omitempty"`
}

func (h *WebhookHandler) HandleReply(ctx *xhttp.RequestCtx) {
	start := time.Now()
	timestamp := string(ctx.Request.Header.Peek(headerTimestamp))
	signature := string(ctx.Request.Header.Peek(headerSignature))

	outcome, err := h.correlator.HandleReply(ctx, ctx.PostBody(), timestamp, signature)

	result := "ok"
	switch {
	case err == nil:
		writeJSON(ctx, 200, webhookResponse{
			Status:    "ok",
			Duplicate: outcome.Duplicate,
			Correct:   outcome.IsCorrect,
		})
	case errors.Is(err, services.ErrUnauthorized):
		result = "unauthorized"
		writeError(ctx, 401, "invalid signature")
	case errors.Is(err, services.ErrNotFound):
		result = "not_found"
		writeError(ctx, 404, "no matching record")
	default:
		// transient: the gateway's retry policy governs redelivery
		result = "retryable"
		writeError(ctx, 500, "temporary failure, retry")
	}

	prom.IncWebhookResult(result)
	prom.AddCorrelateDuration(time.Since(start).Seconds(), result)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
