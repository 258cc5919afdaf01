package agent

import (
	"fmt"
	"slices"
	"strings"
)

// Phase is the state of a turn.
type Phase int

const (
	PhaseAwaitingOracle Phase = iota
	PhaseExecutingInvocations
	PhaseDone
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingOracle:
		return "awaiting_oracle"
	case PhaseExecutingInvocations:
		return "executing_invocations"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// AbortReason explains an Aborted turn.
type AbortReason string

const (
	AbortOracleUnavailable AbortReason = "oracle_unavailable"
	AbortCancelled         AbortReason = "cancelled"
)

// DefaultMaxIterations caps oracle consultations per turn.
const DefaultMaxIterations = 10

const limitMessage = "I stopped after %d reasoning steps without reaching a final answer. " +
	"Please narrow the request and try again."

type denial struct {
	phrase string
	prompt string
}

// turnState is the value the transition functions below operate on. Transitions
// return a new value and never mutate the receiver's slices.
type turnState struct {
	phase         Phase
	maxIterations int
	iteration     int

	history []Message
	pending []Invocation
	next    int

	text    string
	trace   []TraceEntry
	denials []denial
	limited bool

	reason AbortReason
	err    error
}

func appendClipped[T any](s []T, v ...T) []T {
	return append(slices.Clip(s), v...)
}

// startTurn builds the initial state: prior history plus the new user message.
func startTurn(history []Message, userMessage string, maxIterations int) turnState {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	working := make([]Message, 0, len(history)+1)
	working = append(working, history...)
	working = append(working, Message{Role: RoleUser, Content: userMessage})
	return turnState{
		phase:         PhaseAwaitingOracle,
		maxIterations: maxIterations,
		history:       working,
	}
}

// separator is inserted between text produced by consecutive steps.
func separator(acc, next string) string {
	if acc == "" || next == "" || strings.HasSuffix(acc, "\n") {
		return ""
	}
	return "\n\n"
}

func joinText(acc, next string) string {
	return acc + separator(acc, next) + next
}

// withStep records an oracle proposal. A final step ends the turn; otherwise
// its invocations become pending in proposed order.
func (st turnState) withStep(step Step) turnState {
	st.iteration++
	st.text = joinText(st.text, step.Text)

	invs := make([]Invocation, len(step.Invocations))
	for i, inv := range step.Invocations {
		if inv.ID == "" {
			inv.ID = fmt.Sprintf("call_%d_%d", st.iteration, i)
		}
		invs[i] = inv
	}
	st.history = appendClipped(st.history, Message{Role: RoleAssistant, Content: step.Text, Invocations: invs})

	if len(invs) == 0 {
		st.phase = PhaseDone
		st.pending = nil
		return st
	}
	st.phase = PhaseExecutingInvocations
	st.pending = invs
	st.next = 0
	return st
}

// current is the next invocation to execute.
func (st turnState) current() (Invocation, bool) {
	if st.phase != PhaseExecutingInvocations || st.next >= len(st.pending) {
		return Invocation{}, false
	}
	return st.pending[st.next], true
}

// withResult appends the observation for the current invocation. Once every
// pending invocation has a result the turn goes back to the oracle, or ends
// if the iteration cap has been reached.
func (st turnState) withResult(inv Invocation, res Result, d *denial) turnState {
	st.history = appendClipped(st.history, Message{
		Role:    RoleTool,
		Content: res.Output,
		CallID:  inv.ID,
		Name:    inv.Name,
	})
	st.trace = appendClipped(st.trace, TraceEntry{Invocation: inv, Result: res})
	if d != nil && !slices.ContainsFunc(st.denials, func(x denial) bool { return x.phrase == d.phrase }) {
		st.denials = appendClipped(st.denials, *d)
	}
	st.next++

	if st.next < len(st.pending) {
		return st
	}
	st.pending = nil
	st.next = 0
	if st.iteration >= st.maxIterations {
		st.phase = PhaseDone
		st.limited = true
		return st
	}
	st.phase = PhaseAwaitingOracle
	return st
}

func (st turnState) abort(reason AbortReason, err error) turnState {
	st.phase = PhaseAborted
	st.reason = reason
	st.err = err
	return st
}

// closing computes the text appended once the turn is Done: the degraded
// answer when the cap was hit, and any confirmation prompt the answer does not
// already carry. The returned state holds the full text.
func (st turnState) closing() (turnState, string) {
	var tail strings.Builder
	add := func(s string) {
		tail.WriteString(separator(st.text+tail.String(), s))
		tail.WriteString(s)
	}
	if st.limited {
		add(fmt.Sprintf(limitMessage, st.iteration))
	}
	for _, d := range st.denials {
		if !strings.Contains(st.text+tail.String(), d.phrase) {
			add(d.prompt)
		}
	}
	st.text += tail.String()
	return st, tail.String()
}

func (st turnState) result() TurnResult {
	return TurnResult{
		Text:       st.text,
		Trace:      slices.Clone(st.trace),
		Iterations: st.iteration,
		Limited:    st.limited,
	}
}
