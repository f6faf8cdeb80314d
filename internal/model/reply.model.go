package model

import (
	"encoding/json"
	"errors"
)

// ReplyPayload is the inbound webhook body delivered by the gateway.
// Data carries back, verbatim, the metadata JSON attached at dispatch.
type ReplyPayload struct {
	TextID     string `json:"textId"`
	FromNumber string `json:"fromNumber"`
	Text       string `json:"text"`
	Data       string `json:"data"`
}

// ReplyMeta is the correlation metadata round-tripped through the
// gateway. It must stay small: gateways cap the echoed payload size.
type ReplyMeta struct {
	Token    string `json:"token"`
	User     string `json:"user"`
	Question string `json:"question"`
}

var ErrMetaIncomplete = errors.New("reply metadata incomplete")

// ParseMeta decodes the echoed metadata. Missing references make the
// reply uncorrelatable, which callers treat as not-found.
func (r ReplyPayload) ParseMeta() (ReplyMeta, error) {
	var m ReplyMeta
	if r.Data == "" {
		return m, ErrMetaIncomplete
	}
	if err := json.Unmarshal([]byte(r.Data), &m); err != nil {
		return m, err
	}
	if m.Token == "" || m.User == "" || m.Question == "" {
		return m, ErrMetaIncomplete
	}
	return m, nil
}
