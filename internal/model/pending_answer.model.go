package model

import "time"

// DeliveryStatus is the lifecycle state of a dispatched question.
type DeliveryStatus string

const (
	// StatusPending: record created, send not yet acknowledged. The
	// record must exist before the SMS leaves so a reply always has
	// something to correlate against.
	StatusPending DeliveryStatus = "Pending"
	StatusSent    DeliveryStatus = "Sent"
	StatusFailed  DeliveryStatus = "Failed"
)

// PendingAnswer is the correlation record for one dispatched question.
// Open means status Sent with no response yet; a reply closes it by
// filling the response fields, exactly once.
type PendingAnswer struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	QuestionID string         `json:"question_id"`
	Token      string         `json:"token"`
	SentAt     time.Time      `json:"sent_at"`
	Status     DeliveryStatus `json:"status"`
	ErrorMsg   string         `json:"error_message,omitempty"`

	// weak link to the outbound message log; may be empty
	MessageID string `json:"message_id,omitempty"`

	ResponseText string     `json:"response_text,omitempty"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	IsCorrect    *bool      `json:"is_correct,omitempty"`
	Score        *int       `json:"score,omitempty"`
}

// IsOpen reports whether the record still awaits a reply. Failed sends
// never become open: no reply is expected for a rejected send.
func (p PendingAnswer) IsOpen() bool {
	return p.Status == StatusSent && !p.IsClosed()
}

// IsClosed reports whether the record has been graded.
func (p PendingAnswer) IsClosed() bool {
	return p.RespondedAt != nil
}

func PendingAnswerFromFields(id string, fields map[string]any) PendingAnswer {
	p := PendingAnswer{
		ID:           id,
		UserID:       stringField(fields, "User"),
		QuestionID:   stringField(fields, "Question"),
		Token:        stringField(fields, "Token"),
		Status:       DeliveryStatus(stringField(fields, "Delivery Status")),
		ErrorMsg:     stringField(fields, "Error Message"),
		MessageID:    stringField(fields, "SMS Message"),
		ResponseText: stringField(fields, "User Response"),
	}
	if t, ok := timeField(fields, "Sent Time"); ok {
		p.SentAt = t
	}
	if t, ok := timeField(fields, "Response Time"); ok {
		p.RespondedAt = &t
	}
	if v, ok := fields["Is Correct"].(bool); ok {
		p.IsCorrect = &v
	}
	if v, ok := numberField(fields, "Score"); ok {
		s := int(v)
		p.Score = &s
	}
	return p
}

// CreateFields builds the record-store field map for initial creation.
func (p PendingAnswer) CreateFields() map[string]any {
	fields := map[string]any{
		"User":            p.UserID,
		"Question":        p.QuestionID,
		"Token":           p.Token,
		"Sent Time":       p.SentAt.UTC().Format(time.RFC3339),
		"Delivery Status": string(p.Status),
	}
	if p.ErrorMsg != "" {
		fields["Error Message"] = p.ErrorMsg
	}
	return fields
}

func timeField(fields map[string]any, name string) (time.Time, bool) {
	s, ok := fields[name].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func numberField(fields map[string]any, name string) (float64, bool) {
	switch v := fields[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
