package model

import "strings"

// MinPhoneDigits is the shortest normalized number considered dialable.
// Users below it are skipped at dispatch, never erred.
const MinPhoneDigits = 10

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// NormalizePhone strips every non-digit rune from a raw phone value.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Eligible reports whether the user can receive a dispatch.
func (u User) Eligible() bool {
	return len(NormalizePhone(u.Phone)) >= MinPhoneDigits
}

func UserFromFields(id string, fields map[string]any) User {
	return User{
		ID:    id,
		Name:  stringField(fields, "Name"),
		Phone: stringField(fields, "phone"),
	}
}
