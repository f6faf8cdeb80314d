package model

import "time"

// OutboundMessage is the optional log entry for one sent SMS. Its write
// may fail without affecting the PendingAnswer it belongs to.
type OutboundMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
	GatewayID string    `json:"gateway_id"`
}

func (m OutboundMessage) CreateFields() map[string]any {
	return map[string]any{
		"Sender":          m.Sender,
		"Receiver":        m.Receiver,
		"Message Content": m.Content,
		"Sending Time":    m.SentAt.UTC().Format(time.RFC3339),
		"Gateway ID":      m.GatewayID,
	}
}
