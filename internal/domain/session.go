// Package domain contains core domain types for the clusterchat application.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// Role identifies who authored a persisted turn.
type Role string

const (
	// RoleUser marks a turn written by the operator.
	RoleUser Role = "user"
	// RoleAssistant marks a turn written by the agent.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role that may be persisted.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidSessionID reports whether id is acceptable as a client-supplied session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(strings.TrimSpace(id)) && strings.TrimSpace(id) == id
}

// Session is a durable, ordered conversation identified by an opaque id.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one role-tagged message persisted in a session's history.
// Turns are immutable once stored.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionHistory is a session together with its ordered turns.
type SessionHistory struct {
	Session
	Turns []Turn `json:"messages"`
}
