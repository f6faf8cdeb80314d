package model

import "strings"

// OptionLabels is the fixed render order for answer options.
var OptionLabels = []string{"A", "B", "C", "D"}

type Question struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	Options      map[string]string `json:"options"` // keyed by label, absent labels omitted
	CorrectLabel string            `json:"correct_label"`
}

// RenderBody produces the SMS text: the question followed by one line
// per present option, in label order.
func (q Question) RenderBody() string {
	var b strings.Builder
	b.WriteString(q.Text)
	for _, label := range OptionLabels {
		if opt, ok := q.Options[label]; ok && opt != "" {
			b.WriteString("\n")
			b.WriteString(label)
			b.WriteString(". ")
			b.WriteString(opt)
		}
	}
	return b.String()
}

func QuestionFromFields(id string, fields map[string]any) Question {
	q := Question{
		ID:           id,
		Text:         stringField(fields, "Question"),
		Options:      make(map[string]string, len(OptionLabels)),
		CorrectLabel: stringField(fields, "Correct Answer"),
	}
	for _, label := range OptionLabels {
		if v := stringField(fields, "Option "+label); v != "" {
			q.Options[label] = v
		}
	}
	return q
}

func stringField(fields map[string]any, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
