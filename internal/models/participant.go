package models

import (
	"strings"
	"unicode"
)

// Role is the side of the conversation a participant acts on.
type Role string

const (
	RoleOperator Role = "operator"
	RoleEndUser  Role = "end_user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleEndUser
}

// Counterpart returns the role a participant of role r converses with.
func (r Role) Counterpart() Role {
	if r == RoleOperator {
		return RoleEndUser
	}
	return RoleOperator
}

// Participant is one side of a conversation. Loaded by the contact directory and
// never mutated afterwards.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	Initials    string `json:"initials,omitempty"`
}

// Label returns the display name, or the ID when the backend sent no name.
func (p Participant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Initials derives up to two avatar initials from a display name.
func Initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		r := []rune(word)
		if len(r) == 0 || !unicode.IsLetter(r[0]) && !unicode.IsDigit(r[0]) {
			continue
		}
		out = append(out, unicode.ToUpper(r[0]))
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}
