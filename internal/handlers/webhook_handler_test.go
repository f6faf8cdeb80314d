package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/quizwire/trivia-gateway/internal/services"
	xhttp "github.com/quizwire/trivia-gateway/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockCorrelator struct {
	mock.Mock
}

func (m *MockCorrelator) HandleReply(ctx context.Context, raw []byte, timestamp, signature string) (*services.ReplyOutcome, error) {
	args := m.Called(ctx, raw, timestamp, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ReplyOutcome), args.Error(1)
}

func setupTestContext(body []byte, timestamp, signature string) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/api/webhook")
	ctx.Request.SetBody(body)
	if timestamp != "" {
		ctx.Request.Header.Set("X-textbelt-timestamp", timestamp)
	}
	if signature != "" {
		ctx.Request.Header.Set("X-textbelt-signature", signature)
	}
	return ctx
}

func TestWebhookHandler_Success(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	body := []byte(`{"textId":"tb-1","fromNumber":"+15551234567","text":"B","data":"{}"}`)
	svc.On("HandleReply", mock.Anything, body, "1700000000", "aabbcc").
		Return(&services.ReplyOutcome{PendingAnswerID: "rec1", IsCorrect: true, Score: 1}, nil)

	ctx := setupTestContext(body, "1700000000", "aabbcc")
	handler.HandleReply(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Correct)
	assert.False(t, resp.Duplicate)

	svc.AssertExpectations(t)
}

func TestWebhookHandler_Duplicate(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&services.ReplyOutcome{PendingAnswerID: "rec1", Duplicate: true}, nil)

	ctx := setupTestContext([]byte(`{}`), "1700000000", "aabbcc")
	handler.HandleReply(ctx)

	// duplicates are acknowledged, never errored: the gateway must stop redelivering
	assert.Equal(t, 200, ctx.Response.StatusCode())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.True(t, resp.Duplicate)
}

func TestWebhookHandler_Unauthorized(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, services.ErrUnauthorized)

	ctx := setupTestContext([]byte(`{}`), "1700000000", "bad")
	handler.HandleReply(ctx)

	assert.Equal(t, 401, ctx.Response.StatusCode())
}

func TestWebhookHandler_NotFound(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, services.ErrNotFound)

	ctx := setupTestContext([]byte(`{}`), "1700000000", "aabbcc")
	handler.HandleReply(ctx)

	assert.Equal(t, 404, ctx.Response.StatusCode())
}

func TestWebhookHandler_TransientFailure(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("store is down"))

	ctx := setupTestContext([]byte(`{}`), "1700000000", "aabbcc")
	handler.HandleReply(ctx)

	// 500 tells the gateway to redeliver
	assert.Equal(t, 500, ctx.Response.StatusCode())
}

func TestWebhookHandler_BusyIsTransient(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, services.ErrBusy)

	ctx := setupTestContext([]byte(`{}`), "1700000000", "aabbcc")
	handler.HandleReply(ctx)

	assert.Equal(t, 500, ctx.Response.StatusCode())
}

func TestWebhookHandler_HeadersReachService(t *testing.T) {
	svc := new(MockCorrelator)
	handler := NewWebhookHandler(svc)

	var gotTS, gotSig string
	svc.On("HandleReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			gotTS = args.String(2)
			gotSig = args.String(3)
		}).
		Return(&services.ReplyOutcome{}, nil)

	ctx := setupTestContext([]byte(`{}`), "1712345678", "feedface")
	handler.HandleReply(ctx)

	assert.Equal(t, "1712345678", gotTS)
	assert.Equal(t, "feedface", gotSig)
}
