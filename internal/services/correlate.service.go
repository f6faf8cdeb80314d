package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quizwire/trivia-gateway/internal/gateway"
	"github.com/quizwire/trivia-gateway/internal/model"
	"github.com/quizwire/trivia-gateway/pkg/logger"
)

var (
	// ErrUnauthorized: signature or timestamp rejected. Nothing was
	// looked up and nothing mutated.
	ErrUnauthorized = errors.New("unauthorized delivery")

	// ErrNotFound: the reply references no known pending answer.
	ErrNotFound = errors.New("no matching pending answer")

	// ErrBusy: a concurrent handler holds this delivery. The gateway
	// should redeliver later.
	ErrBusy = errors.New("delivery is being processed")
)

// Deduper fences concurrent and repeated deliveries of one reply.
type Deduper interface {
	Acquire(ctx context.Context, deliveryID string) (acquired bool, alreadyProcessed bool, err error)
	MarkProcessed(ctx context.Context, deliveryID string) error
	Release(ctx context.Context, deliveryID string) error
}

// ReplyOutcome reports what one webhook delivery did.
type ReplyOutcome struct {
	PendingAnswerID string
	Duplicate       bool
	IsCorrect       bool
	Score           int
}

// CorrelateService resolves an inbound reply to exactly one pending
// answer, grades it, closes the record, and triggers the follow-up.
// The handler is re-entrant up to the close update: any failure before
// the update leaves no state behind, so the gateway may safely
// redeliver the same payload.
type CorrelateService struct {
	store    RecordStore
	notifier *FollowupNotifier
	dedupe   Deduper
	tables   Tables
	secret   string
	window   time.Duration
	now      func() time.Time
}

func NewCorrelateService(recordStore RecordStore, notifier *FollowupNotifier, dedupe Deduper, tables Tables, secret string, window time.Duration) *CorrelateService {
	return &CorrelateService{
		store:    recordStore,
		notifier: notifier,
		dedupe:   dedupe,
		tables:   tables,
		secret:   secret,
		window:   window,
		now:      time.Now,
	}
}

// HandleReply processes one webhook delivery end to end.
func (s *CorrelateService) HandleReply(ctx context.Context, raw []byte, timestamp, signature string) (*ReplyOutcome, error) {
	// authenticate before any lookup or mutation
	if err := gateway.VerifySignature(s.secret, timestamp, raw, signature, s.window, s.now()); err != nil {
		logger.Warn("webhook delivery rejected", "error", err)
		return nil, ErrUnauthorized
	}

	var payload model.ReplyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Warn("webhook payload unparsable", "error", err)
		return nil, ErrNotFound
	}

	meta, err := payload.ParseMeta()
	if err != nil {
		logger.Warn("webhook metadata unusable", "error", err)
		return nil, ErrNotFound
	}

	locked := false
	if payload.TextID != "" {
		acquired, processed, err := s.dedupe.Acquire(ctx, payload.TextID)
		if err != nil {
			return nil, err
		}
		if processed {
			logger.Info("duplicate delivery, already processed", "delivery_id", payload.TextID)
			return &ReplyOutcome{Duplicate: true}, nil
		}
		if !acquired {
			return nil, ErrBusy
		}
		locked = true
	}
	defer func() {
		if locked {
			_ = s.dedupe.Release(ctx, payload.TextID)
		}
	}()

	pending, err := s.resolve(ctx, meta)
	if err != nil {
		return nil, err
	}

	if pending.IsClosed() {
		// one-way transition already happened: idempotent success,
		// no re-grade, no second follow-up
		logger.Info("pending answer already closed", "pending_answer", pending.ID)
		if locked {
			_ = s.dedupe.MarkProcessed(ctx, payload.TextID)
			locked = false
		}
		out := &ReplyOutcome{PendingAnswerID: pending.ID, Duplicate: true}
		if pending.IsCorrect != nil {
			out.IsCorrect = *pending.IsCorrect
		}
		if pending.Score != nil {
			out.Score = *pending.Score
		}
		return out, nil
	}

	// grade against the question this record was created for, never
	// whatever the user's latest question happens to be
	questionRec, err := s.store.Get(ctx, s.tables.Questions, pending.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load question %s: %w", pending.QuestionID, err)
	}
	question := model.QuestionFromFields(questionRec.ID, questionRec.Fields)

	replyText := strings.ToUpper(strings.TrimSpace(payload.Text))
	isCorrect, score := Grade(payload.Text, question.CorrectLabel)

	closeFields := map[string]any{
		"User Response": replyText,
		"Response Time": s.now().UTC().Format(time.RFC3339),
		"Is Correct":    isCorrect,
		"Score":         score,
	}
	if _, err := s.store.Update(ctx, s.tables.Results, pending.ID, closeFields); err != nil {
		// leave no processed marker: the gateway retries the delivery
		return nil, fmt.Errorf("failed to close pending answer %s: %w", pending.ID, err)
	}

	logger.Info("reply graded",
		"pending_answer", pending.ID,
		"user", pending.UserID,
		"question", pending.QuestionID,
		"is_correct", isCorrect)

	// only after the close is confirmed persisted
	if !isCorrect {
		s.notifier.NotifyIncorrect(ctx, payload.FromNumber)
	}

	if locked {
		if err := s.dedupe.MarkProcessed(ctx, payload.TextID); err != nil {
			logger.Warn("failed to mark delivery processed", "delivery_id", payload.TextID, "error", err)
		}
		locked = false
	}

	return &ReplyOutcome{PendingAnswerID: pending.ID, IsCorrect: isCorrect, Score: score}, nil
}

// resolve locates the pending answer for the (user, question) pair in
// the echoed metadata. More than one open match is a consistency
// fault: it is logged and the newest record wins, deterministically.
func (s *CorrelateService) resolve(ctx context.Context, meta model.ReplyMeta) (model.PendingAnswer, error) {
	formula := fmt.Sprintf("AND({User}='%s',{Question}='%s')",
		escapeFormulaValue(meta.User), escapeFormulaValue(meta.Question))

	records, err := s.store.Query(ctx, s.tables.Results, formula)
	if err != nil {
		return model.PendingAnswer{}, fmt.Errorf("pending answer lookup failed: %w", err)
	}
	if len(records) == 0 {
		return model.PendingAnswer{}, ErrNotFound
	}

	candidates := make([]model.PendingAnswer, 0, len(records))
	created := make(map[string]time.Time, len(records))
	for _, rec := range records {
		p := model.PendingAnswerFromFields(rec.ID, rec.Fields)
		candidates = append(candidates, p)
		created[p.ID] = rec.CreatedTime
	}

	// prefer the exact token from the metadata when present
	withToken := candidates[:0:0]
	for _, p := range candidates {
		if p.Token == meta.Token {
			withToken = append(withToken, p)
		}
	}
	if len(withToken) > 0 {
		candidates = withToken
	}

	var open []model.PendingAnswer
	for _, p := range candidates {
		// Pending counts as open too: the metadata only exists because
		// the send happened, even if the status update never landed
		if !p.IsClosed() && p.Status != model.StatusFailed {
			open = append(open, p)
		}
	}

	if len(open) == 0 {
		// every match is closed (or failed): the closed-check upstream
		// turns this into an idempotent no-op
		newest := newestOf(candidates, created)
		if newest.IsClosed() {
			return newest, nil
		}
		return model.PendingAnswer{}, ErrNotFound
	}

	if len(open) > 1 {
		logger.Error("consistency fault: multiple open pending answers",
			"user", meta.User,
			"question", meta.Question,
			"count", len(open))
	}
	return newestOf(open, created), nil
}

func newestOf(list []model.PendingAnswer, created map[string]time.Time) model.PendingAnswer {
	sorted := make([]model.PendingAnswer, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool {
		ci, cj := created[sorted[i].ID], created[sorted[j].ID]
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return sorted[i].SentAt.After(sorted[j].SentAt)
	})
	return sorted[0]
}

func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
