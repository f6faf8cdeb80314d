package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quizwire/trivia-gateway/internal/model"
	"github.com/quizwire/trivia-gateway/internal/store"
	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/quizwire/trivia-gateway/pkg/prom"
	"github.com/quizwire/trivia-gateway/pkg/worker"
)

const tokenLen = 12
const createRetryDelay = 200 * time.Millisecond
const logSenderName = "TriviaBot"

// RecordStore is the slice of the store client the services consume.
type RecordStore interface {
	ListAll(ctx context.Context, table string) ([]store.Record, error)
	Get(ctx context.Context, table, id string) (*store.Record, error)
	Create(ctx context.Context, table string, fields map[string]any) (*store.Record, error)
	Update(ctx context.Context, table, id string, fields map[string]any) (*store.Record, error)
	Query(ctx context.Context, table, formula string) ([]store.Record, error)
}

// Tables names the logical tables in the record store.
type Tables struct {
	Users     string
	Questions string
	Results   string
	Messages  string
}

// DispatchReport tallies one cycle's per-user outcomes.
type DispatchReport struct {
	Sent    int64
	Failed  int64
	Skipped int64
}

// DispatchService runs the dispatch side of the quiz: per eligible
// user it creates a correlation record, sends the question, and logs
// the outcome. The record is created before the send so a reply can
// never arrive before something exists to correlate it with. Sends
// are never retried: a retry would risk a duplicate message charge.
type DispatchService struct {
	store    RecordStore
	sms      SmsSender
	selector *QuestionSelector
	tables   Tables
	workers  int

	mu     sync.Mutex
	minted map[string]struct{}
}

func NewDispatchService(recordStore RecordStore, sms SmsSender, selector *QuestionSelector, tables Tables, workers int) *DispatchService {
	if workers <= 0 {
		workers = 1
	}
	return &DispatchService{
		store:    recordStore,
		sms:      sms,
		selector: selector,
		tables:   tables,
		workers:  workers,
	}
}

// DispatchCycle sends one question to every eligible user. Users are
// independent, so the fan-out runs on a bounded worker pool; one
// user's failure never aborts the cycle.
func (s *DispatchService) DispatchCycle(ctx context.Context) (*DispatchReport, error) {
	users, err := s.store.ListAll(ctx, s.tables.Users)
	if err != nil {
		return nil, err
	}

	questionRecords, err := s.store.ListAll(ctx, s.tables.Questions)
	if err != nil {
		return nil, err
	}
	if len(questionRecords) == 0 {
		return nil, ErrNoQuestions
	}

	questions := make([]model.Question, 0, len(questionRecords))
	for _, rec := range questionRecords {
		questions = append(questions, model.QuestionFromFields(rec.ID, rec.Fields))
	}

	s.mu.Lock()
	s.minted = make(map[string]struct{}, len(users))
	s.mu.Unlock()

	report := &DispatchReport{}
	var sent, failed, skipped int64
	var counterMu sync.Mutex

	pool := worker.NewWorkerManager(len(users)+1, s.workers)
	pool.SetWorker(func(workerIndex int, job interface{}) {
		u, ok := job.(model.User)
		if !ok {
			return
		}
		outcome := s.dispatchUser(ctx, u, questions)
		counterMu.Lock()
		switch outcome {
		case "sent":
			sent++
		case "failed":
			failed++
		case "skipped":
			skipped++
		}
		counterMu.Unlock()
		prom.IncDispatchOutcome(outcome)
	})
	pool.Start()

	for _, rec := range users {
		pool.Enqueue(model.UserFromFields(rec.ID, rec.Fields))
	}
	pool.Close()
	pool.Wait()

	report.Sent = sent
	report.Failed = failed
	report.Skipped = skipped

	logger.Info("dispatch cycle finished",
		"users", len(users),
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped)

	return report, nil
}

func (s *DispatchService) dispatchUser(ctx context.Context, u model.User, questions []model.Question) (outcome string) {
	phone := model.NormalizePhone(u.Phone)
	if len(phone) < model.MinPhoneDigits {
		logger.Debug("user skipped, phone not dialable", "user", u.ID)
		return "skipped"
	}

	q, err := s.selector.Pick(questions)
	if err != nil {
		logger.Error("question selection failed", "user", u.ID, "error", err)
		return "failed"
	}

	token := s.mintToken()

	pending := model.PendingAnswer{
		UserID:     u.ID,
		QuestionID: q.ID,
		Token:      token,
		SentAt:     time.Now(),
		Status:     model.StatusPending,
	}

	rec, err := s.createWithRetry(ctx, pending)
	if err != nil {
		logger.Error("pending answer create failed, abandoning user", "user", u.ID, "error", err)
		return "failed"
	}

	meta := &model.ReplyMeta{Token: token, User: u.ID, Question: q.ID}
	body := q.RenderBody()

	resp, err := s.sms.Send(ctx, phone, body, meta)
	if err != nil {
		s.markResult(ctx, rec.ID, model.StatusFailed, err.Error(), "")
		logger.Error("send failed", "user", u.ID, "pending_answer", rec.ID, "error", err)
		return "failed"
	}
	if !resp.Success {
		s.markResult(ctx, rec.ID, model.StatusFailed, resp.Error, "")
		logger.Warn("send rejected by gateway", "user", u.ID, "pending_answer", rec.ID, "error", resp.Error)
		return "failed"
	}

	messageID := s.logOutbound(ctx, phone, body, resp.TextID)
	s.markResult(ctx, rec.ID, model.StatusSent, "", messageID)

	logger.Info("question dispatched",
		"user", u.ID,
		"question", q.ID,
		"pending_answer", rec.ID,
		"gateway_id", resp.TextID)

	return "sent"
}

// mintToken returns a short opaque token unique among this cycle's
// mints. Short, because the gateway's echoed metadata is size-capped.
func (s *DispatchService) mintToken() string {
	for {
		token := strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLen]
		s.mu.Lock()
		if _, dup := s.minted[token]; !dup {
			s.minted[token] = struct{}{}
			s.mu.Unlock()
			return token
		}
		s.mu.Unlock()
	}
}

func (s *DispatchService) createWithRetry(ctx context.Context, p model.PendingAnswer) (*store.Record, error) {
	rec, err := s.store.Create(ctx, s.tables.Results, p.CreateFields())
	if err == nil {
		return rec, nil
	}

	var storeErr *store.Error
	if errors.As(err, &storeErr) && !storeErr.Retryable() {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(createRetryDelay):
	}
	return s.store.Create(ctx, s.tables.Results, p.CreateFields())
}

// logOutbound writes the optional message-log entry. Its failure is
// swallowed: the log is a weak link and must never corrupt the
// correlation record.
func (s *DispatchService) logOutbound(ctx context.Context, phone, body, gatewayID string) string {
	entry := model.OutboundMessage{
		Sender:    logSenderName,
		Receiver:  phone,
		Content:   body,
		SentAt:    time.Now(),
		GatewayID: gatewayID,
	}
	rec, err := s.store.Create(ctx, s.tables.Messages, entry.CreateFields())
	if err != nil {
		logger.Warn("outbound message log write failed", "phone", phone, "error", err)
		return ""
	}
	return rec.ID
}

func (s *DispatchService) markResult(ctx context.Context, id string, status model.DeliveryStatus, errMsg, messageID string) {
	fields := map[string]any{"Delivery Status": string(status)}
	if errMsg != "" {
		fields["Error Message"] = errMsg
	}
	if messageID != "" {
		fields["SMS Message"] = messageID
	}

	if _, err := s.store.Update(ctx, s.tables.Results, id, fields); err != nil {
		logger.Error("pending answer status update failed", "pending_answer", id, "status", status, "error", err)
	}
}
