// Package confirm implements the confirmation gate that guards mutating operations.
//
// A mutating operation runs only when the most recent user message of the turn
// contains the exact phrase
//
//	yes, <verb> <resource> <name>
//
// The match is a case-sensitive substring test. Nothing is remembered between turns.
package confirm

import (
	"fmt"
	"strings"

	"github.com/ashureev/clusterchat/internal/operation"
)

// PhraseFormatV1 is the current confirmation grammar.
const PhraseFormatV1 = "yes, %s %s %s"

// PhraseFormatVersion identifies PhraseFormatV1 in logs and audit records.
const PhraseFormatVersion = 1

// Message is the minimal view of a history entry the gate inspects.
type Message struct {
	Role    string
	Content string
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	// Phrase is the text that would confirm the call. Empty for non-mutating operations.
	Phrase string
	// Prompt instructs the user how to confirm. Set only when denied.
	Prompt string
}

// Denied reports whether the call must not reach the registry.
func (d Decision) Denied() bool { return !d.Allowed }

// Gate checks proposed invocations against the working history.
type Gate struct{}

// New returns a gate using PhraseFormatV1.
func New() *Gate { return &Gate{} }

// Phrase derives the confirmation phrase for an invocation. ok is false when
// the target argument is missing or empty.
func Phrase(op operation.Operation, args operation.Args) (phrase, target string, ok bool) {
	target = strings.TrimSpace(args.String(op.Confirm.Target, ""))
	if target == "" {
		return "", "", false
	}
	return fmt.Sprintf(PhraseFormatV1, op.Confirm.Verb, op.Confirm.Resource, target), target, true
}

// Prompt is the deterministic denial text for an operation and target name.
func Prompt(op operation.Operation, target string) string {
	phrase := fmt.Sprintf(PhraseFormatV1, op.Confirm.Verb, op.Confirm.Resource, target)
	return fmt.Sprintf("Confirmation required to %s %s '%s'. Please confirm by saying '%s'.",
		op.Confirm.Verb, op.Confirm.Resource, target, phrase)
}

// Check decides whether op may run with args given the working history.
// Non-mutating operations are allowed without looking at the history.
func (g *Gate) Check(op operation.Operation, args operation.Args, history []Message) Decision {
	if !op.Mutating {
		return Decision{Allowed: true}
	}

	phrase, target, ok := Phrase(op, args)
	if !ok {
		return Decision{
			Prompt: fmt.Sprintf("Cannot %s %s: the %q argument is missing. Tell me which %s to %s.",
				op.Confirm.Verb, op.Confirm.Resource, op.Confirm.Target, op.Confirm.Resource, op.Confirm.Verb),
		}
	}

	if strings.Contains(lastUserMessage(history), phrase) {
		return Decision{Allowed: true, Phrase: phrase}
	}
	return Decision{Phrase: phrase, Prompt: Prompt(op, target)}
}

func lastUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}
