package services

import (
	"context"

	"github.com/quizwire/trivia-gateway/internal/gateway"
	"github.com/quizwire/trivia-gateway/internal/model"
	"github.com/quizwire/trivia-gateway/pkg/logger"
)

const wrongAnswerText = "Wrong answer! Try again next time."

// SmsSender is the slice of the gateway client the services consume.
type SmsSender interface {
	Send(ctx context.Context, phone, body string, meta *model.ReplyMeta) (*gateway.SendResponse, error)
}

// FollowupNotifier sends the fixed wrong-answer message. It carries no
// correlation token: no reply is expected. Delivery failures are
// logged only; they never reopen the graded record.
type FollowupNotifier struct {
	sms SmsSender
}

func NewFollowupNotifier(sms SmsSender) *FollowupNotifier {
	return &FollowupNotifier{sms: sms}
}

func (n *FollowupNotifier) NotifyIncorrect(ctx context.Context, rawPhone string) {
	phone := model.NormalizePhone(rawPhone)
	if phone == "" {
		logger.Warn("followup skipped, no usable phone number", "raw", rawPhone)
		return
	}

	resp, err := n.sms.Send(ctx, phone, wrongAnswerText, nil)
	if err != nil {
		logger.Error("followup send failed", "phone", phone, "error", err)
		return
	}
	if !resp.Success {
		logger.Warn("followup rejected by gateway", "phone", phone, "error", resp.Error)
	}
}
