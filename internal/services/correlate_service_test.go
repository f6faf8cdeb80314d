package services

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/quizwire/trivia-gateway/internal/gateway"
	"github.com/quizwire/trivia-gateway/internal/model"
	"github.com/quizwire/trivia-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "textbelt-test-key"
const testWindow = 15 * time.Minute

func signedDelivery(t *testing.T, payload model.ReplyPayload) (raw []byte, timestamp, signature string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	signature = gateway.Sign(testSecret, timestamp, raw)
	return raw, timestamp, signature
}

func replyPayload(textID, text string) model.ReplyPayload {
	meta, _ := json.Marshal(model.ReplyMeta{Token: "ab12cd34ef56", User: "u1", Question: "q1"})
	return model.ReplyPayload{
		TextID:     textID,
		FromNumber: "+15551234567",
		Text:       text,
		Data:       string(meta),
	}
}

func openPendingRecord(id, token string) store.Record {
	return store.Record{
		ID:          id,
		CreatedTime: time.Now().Add(-time.Minute),
		Fields: map[string]any{
			"User":            "u1",
			"Question":        "q1",
			"Token":           token,
			"Delivery Status": "Sent",
			"Sent Time":       time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		},
	}
}

func closedPendingRecord(id, token string) store.Record {
	rec := openPendingRecord(id, token)
	rec.Fields["User Response"] = "B"
	rec.Fields["Response Time"] = time.Now().Add(-30 * time.Second).UTC().Format(time.RFC3339)
	rec.Fields["Is Correct"] = true
	rec.Fields["Score"] = float64(1)
	return rec
}

func newCorrelateService(t *testing.T, st RecordStore, sms SmsSender) *CorrelateService {
	t.Helper()
	return NewCorrelateService(st, NewFollowupNotifier(sms), newTestDeduper(t), testTables, testSecret, testWindow)
}

func TestHandleReply_CorrectAnswer(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{openPendingRecord("rec1", "ab12cd34ef56")}, nil).Once()
	st.On("Get", mock.Anything, "questions", "q1").
		Return(&store.Record{ID: "q1", Fields: questionRecord("q1").Fields}, nil).Once()
	st.On("Update", mock.Anything, "user_results", "rec1", mock.MatchedBy(func(f map[string]any) bool {
		return f["User Response"] == "B" && f["Is Correct"] == true && f["Score"] == 1
	})).Return(&store.Record{ID: "rec1"}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "b"))
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.Equal(t, "rec1", out.PendingAnswerID)
	assert.True(t, out.IsCorrect)
	assert.Equal(t, 1, out.Score)
	assert.False(t, out.Duplicate)

	// correct answers get no follow-up
	sms.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestHandleReply_IncorrectAnswerSendsFollowup(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{openPendingRecord("rec1", "ab12cd34ef56")}, nil).Once()
	st.On("Get", mock.Anything, "questions", "q1").
		Return(&store.Record{ID: "q1", Fields: questionRecord("q1").Fields}, nil).Once()
	st.On("Update", mock.Anything, "user_results", "rec1", mock.MatchedBy(func(f map[string]any) bool {
		return f["User Response"] == "A" && f["Is Correct"] == false && f["Score"] == 0
	})).Return(&store.Record{ID: "rec1"}, nil).Once()

	sms.On("Send", mock.Anything, "15551234567", wrongAnswerText, (*model.ReplyMeta)(nil)).
		Return(&gateway.SendResponse{Success: true, TextID: "tb-fu"}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "A"))
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.False(t, out.IsCorrect)
	assert.Equal(t, 0, out.Score)

	st.AssertExpectations(t)
	sms.AssertExpectations(t)
}

func TestHandleReply_BadSignature(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	raw, ts, _ := signedDelivery(t, replyPayload("tb-1", "B"))
	_, err := svc.HandleReply(context.Background(), raw, ts, "deadbeef")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// rejected before any store access
	st.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_TamperedBody(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-2] = 'X'

	_, err := svc.HandleReply(context.Background(), tampered, ts, sig)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandleReply_StaleTimestamp(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	payload := replyPayload("tb-1", "B")
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	sig := gateway.Sign(testSecret, ts, raw)

	_, err = svc.HandleReply(context.Background(), raw, ts, sig)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandleReply_NoMatchingRecord(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	_, err := svc.HandleReply(context.Background(), raw, ts, sig)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleReply_MissingMetadata(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	payload := replyPayload("tb-1", "B")
	payload.Data = ""
	raw, ts, sig := signedDelivery(t, payload)

	_, err := svc.HandleReply(context.Background(), raw, ts, sig)
	assert.ErrorIs(t, err, ErrNotFound)
	st.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_AlreadyClosedIsIdempotent(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{closedPendingRecord("rec1", "ab12cd34ef56")}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.True(t, out.IsCorrect)
	assert.Equal(t, 1, out.Score)

	// no re-grade, no second follow-up
	st.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	sms.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_DuplicateDeliverySuppressed(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{openPendingRecord("rec1", "ab12cd34ef56")}, nil).Once()
	st.On("Get", mock.Anything, "questions", "q1").
		Return(&store.Record{ID: "q1", Fields: questionRecord("q1").Fields}, nil).Once()
	st.On("Update", mock.Anything, "user_results", "rec1", mock.Anything).
		Return(&store.Record{ID: "rec1"}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	require.False(t, out.Duplicate)

	// same delivery again: short-circuits on the processed marker,
	// the store is never touched a second time
	out, err = svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	st.AssertNumberOfCalls(t, "Query", 1)
	st.AssertNumberOfCalls(t, "Update", 1)
}

func TestHandleReply_CloseFailureLeavesRetryPossible(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{openPendingRecord("rec1", "ab12cd34ef56")}, nil)
	st.On("Get", mock.Anything, "questions", "q1").
		Return(&store.Record{ID: "q1", Fields: questionRecord("q1").Fields}, nil)
	st.On("Update", mock.Anything, "user_results", "rec1", mock.Anything).
		Return(nil, &store.Error{Status: 503, Body: "unavailable"}).Once()
	st.On("Update", mock.Anything, "user_results", "rec1", mock.Anything).
		Return(&store.Record{ID: "rec1"}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	_, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.Error(t, err)

	// no processed marker was left, so the redelivery goes through
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.True(t, out.IsCorrect)

	sms.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_PrefersTokenMatch(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	// two open records for the pair; only one carries the echoed token
	other := openPendingRecord("rec-other", "ffffffffffff")
	other.CreatedTime = time.Now() // newer, but the token decides
	match := openPendingRecord("rec-match", "ab12cd34ef56")

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{other, match}, nil).Once()
	st.On("Get", mock.Anything, "questions", "q1").
		Return(&store.Record{ID: "q1", Fields: questionRecord("q1").Fields}, nil).Once()
	st.On("Update", mock.Anything, "user_results", "rec-match", mock.Anything).
		Return(&store.Record{ID: "rec-match"}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	out, err := svc.HandleReply(context.Background(), raw, ts, sig)
	require.NoError(t, err)
	assert.Equal(t, "rec-match", out.PendingAnswerID)
	st.AssertExpectations(t)
}

func TestHandleReply_FailedSendNeverCorrelates(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	failed := openPendingRecord("rec1", "ab12cd34ef56")
	failed.Fields["Delivery Status"] = "Failed"

	st.On("Query", mock.Anything, "user_results", mock.Anything).
		Return([]store.Record{failed}, nil).Once()

	raw, ts, sig := signedDelivery(t, replyPayload("tb-1", "B"))
	_, err := svc.HandleReply(context.Background(), raw, ts, sig)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleReply_QueryEscapesQuotes(t *testing.T) {
	st := new(MockRecordStore)
	sms := new(MockSmsSender)
	svc := newCorrelateService(t, st, sms)

	meta, _ := json.Marshal(model.ReplyMeta{Token: "ab12cd34ef56", User: "u'1", Question: "q1"})
	payload := model.ReplyPayload{TextID: "tb-1", FromNumber: "+15551234567", Text: "B", Data: string(meta)}

	st.On("Query", mock.Anything, "user_results", "AND({User}='u\\'1',{Question}='q1')").
		Return([]store.Record{}, nil).Once()

	raw, ts, sig := signedDelivery(t, payload)
	_, err := svc.HandleReply(context.Background(), raw, ts, sig)
	assert.ErrorIs(t, err, ErrNotFound)
	st.AssertExpectations(t)
}
