// Package agent implements the conversational cluster assistant: a bounded
// reason/act loop over a table of operations, and its HTTP delivery.
package agent

import (
	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/operation"
)

// Role tags a message in the working history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the working history presented to the oracle.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Invocations are the actions an assistant message proposed.
	Invocations []Invocation `json:"invocations,omitempty"`
	// CallID and Name link a tool observation to its invocation.
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Invocation is a proposed call of one operation.
type Invocation struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args operation.Args `json:"args"`
	// ArgsError is set by the oracle when the proposed arguments could not be decoded.
	ArgsError string `json:"-"`
}

// ResultStatus classifies an invocation outcome.
type ResultStatus string

const (
	StatusOK     ResultStatus = "ok"
	StatusError  ResultStatus = "error"
	StatusDenied ResultStatus = "denied"
)

// Result is the textual outcome of an invocation. It is always a value.
type Result struct {
	CallID    string       `json:"call_id"`
	Operation string       `json:"operation"`
	Output    string       `json:"output"`
	Status    ResultStatus `json:"status"`
}

// Step is one oracle proposal. A step without invocations is the final answer.
type Step struct {
	Text        string
	Invocations []Invocation
}

// Final reports whether the step ends the turn.
func (s Step) Final() bool { return len(s.Invocations) == 0 }

// TraceEntry pairs an invocation with its result.
type TraceEntry struct {
	Invocation Invocation `json:"invocation"`
	Result     Result     `json:"result"`
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Text       string       `json:"response"`
	Trace      []TraceEntry `json:"trace,omitempty"`
	Iterations int          `json:"iterations"`
	// Limited is set when the iteration cap ended the turn.
	Limited bool `json:"limited,omitempty"`
}

// ToolsUsed lists operation names in invocation order.
func (t TurnResult) ToolsUsed() []string {
	out := make([]string, 0, len(t.Trace))
	for _, e := range t.Trace {
		out = append(out, e.Invocation.Name)
	}
	return out
}

// EventKind names a turn event.
type EventKind string

const (
	EventFragment   EventKind = "fragment"
	EventInvocation EventKind = "invocation"
	EventResult     EventKind = "result"
	EventDone       EventKind = "done"
)

// Event is emitted while a turn runs. Exactly one of the payload fields is set.
type Event struct {
	Kind       EventKind
	Text       string
	Invocation *Invocation
	Result     *Result
	Turn       *TurnResult
}

// HistoryFromTurns converts persisted turns into oracle messages.
func HistoryFromTurns(turns []domain.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: Role(t.Role), Content: t.Content})
	}
	return out
}
