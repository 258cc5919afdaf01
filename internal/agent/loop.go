package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/clusterchat/internal/confirm"
	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/ashureev/clusterchat/internal/operation"
)

// errStopped signals that the consumer of a streamed turn stopped pulling.
var errStopped = errors.New("consumer stopped")

// InvocationRecord describes one gate decision and its outcome.
type InvocationRecord struct {
	SessionID  string
	Invocation Invocation
	Result     Result
	Mutating   bool
	Allowed    bool
	Phrase     string
	At         time.Time
}

// Observer is told about every executed or denied invocation.
type Observer interface {
	ObserveInvocation(ctx context.Context, rec InvocationRecord)
}

// LoopConfig tunes a Loop.
type LoopConfig struct {
	MaxIterations int
	SystemPrompt  string
	Observers     []Observer
}

// Loop is the bounded reason/act controller. It holds no per-turn state and
// is safe for concurrent use across sessions.
type Loop struct {
	oracle        Oracle
	ops           Operations
	gate          *confirm.Gate
	maxIterations int
	systemPrompt  string
	observers     []Observer
}

// NewLoop wires a loop from its collaborators.
func NewLoop(oracle Oracle, ops Operations, gate *confirm.Gate, cfg LoopConfig) *Loop {
	if gate == nil {
		gate = confirm.New()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt(ops.Schemas())
	}
	return &Loop{
		oracle:        oracle,
		ops:           ops,
		gate:          gate,
		maxIterations: cfg.MaxIterations,
		systemPrompt:  cfg.SystemPrompt,
		observers:     cfg.Observers,
	}
}

// MaxIterations returns the configured cap.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// consultFunc asks the oracle for the next step. onFragment is called with
// streamed text; returning false stops consumption.
type consultFunc func(ctx context.Context, history []Message, onFragment func(string) bool) (Step, error)

// RunTurn runs a turn to completion and returns its final text and trace.
func (l *Loop) RunTurn(ctx context.Context, history []domain.Turn, userMessage string) (TurnResult, error) {
	st := startTurn(HistoryFromTurns(history), userMessage, l.maxIterations)
	st = l.drive(ctx, st, l.consultBuffered, func(Event) bool { return true })
	if st.phase == PhaseAborted {
		return TurnResult{}, st.err
	}
	return st.result(), nil
}

// StreamTurn runs the same state machine as RunTurn but surfaces oracle text
// as it is produced. The final event carries the TurnResult. The consumer may
// stop early; the loop then stops at its next suspension point.
func (l *Loop) StreamTurn(ctx context.Context, history []domain.Turn, userMessage string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		st := startTurn(HistoryFromTurns(history), userMessage, l.maxIterations)
		stopped := false
		emit := func(ev Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
			}
			return !stopped
		}

		st = l.drive(ctx, st, l.consultStreaming, emit)
		if stopped {
			return
		}
		if st.phase == PhaseAborted {
			yield(Event{}, st.err)
			return
		}
		res := st.result()
		yield(Event{Kind: EventDone, Turn: &res}, nil)
	}
}

// drive runs transitions until the turn is Done or Aborted. It is the only
// place that performs I/O.
func (l *Loop) drive(ctx context.Context, st turnState, consult consultFunc, emit func(Event) bool) turnState {
	for {
		switch st.phase {
		case PhaseAwaitingOracle:
			if err := ctx.Err(); err != nil {
				return st.abort(AbortCancelled, err)
			}
			acc := st.text
			started := false
			onFragment := func(fragment string) bool {
				if fragment == "" {
					return true
				}
				if !started {
					started = true
					if sep := separator(acc, fragment); sep != "" {
						if !emit(Event{Kind: EventFragment, Text: sep}) {
							return false
						}
					}
				}
				return emit(Event{Kind: EventFragment, Text: fragment})
			}

			step, err := consult(ctx, l.withSystemPrompt(st.history), onFragment)
			if err != nil {
				return l.oracleFailure(ctx, st, err)
			}
			st = st.withStep(step)
			slog.Debug("Oracle step",
				"iteration", st.iteration,
				"invocations", len(step.Invocations),
				"phase", st.phase.String(),
			)

		case PhaseExecutingInvocations:
			inv, ok := st.current()
			if !ok {
				return st.abort(AbortCancelled, errors.New("no pending invocation"))
			}
			if err := ctx.Err(); err != nil {
				return st.abort(AbortCancelled, err)
			}
			if !emit(Event{Kind: EventInvocation, Invocation: &inv}) {
				return st.abort(AbortCancelled, errStopped)
			}
			res, d := l.execute(ctx, st.history, inv)
			st = st.withResult(inv, res, d)
			if !emit(Event{Kind: EventResult, Result: &res}) {
				return st.abort(AbortCancelled, errStopped)
			}

		case PhaseDone:
			var tail string
			st, tail = st.closing()
			if tail != "" && !emit(Event{Kind: EventFragment, Text: tail}) {
				return st.abort(AbortCancelled, errStopped)
			}
			if st.limited {
				slog.Warn("Agent turn hit iteration limit", "iterations", st.iteration)
			}
			return st

		default:
			return st
		}
	}
}

func (l *Loop) oracleFailure(ctx context.Context, st turnState, err error) turnState {
	if errors.Is(err, errStopped) {
		return st.abort(AbortCancelled, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return st.abort(AbortCancelled, ctxErr)
	}
	slog.Error("Oracle consultation failed", "iteration", st.iteration+1, "error", err)
	return st.abort(AbortOracleUnavailable, fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
}

func (l *Loop) withSystemPrompt(history []Message) []Message {
	if l.systemPrompt == "" {
		return history
	}
	out := make([]Message, 0, len(history)+1)
	out = append(out, Message{Role: RoleSystem, Content: l.systemPrompt})
	return append(out, history...)
}

func (l *Loop) consultBuffered(ctx context.Context, history []Message, _ func(string) bool) (Step, error) {
	return l.oracle.Propose(ctx, history, l.ops.Schemas())
}

func (l *Loop) consultStreaming(ctx context.Context, history []Message, onFragment func(string) bool) (Step, error) {
	var text strings.Builder
	var step *Step
	for chunk, err := range l.oracle.ProposeStream(ctx, history, l.ops.Schemas()) {
		if err != nil {
			return Step{}, err
		}
		if chunk.Fragment != "" {
			text.WriteString(chunk.Fragment)
			if !onFragment(chunk.Fragment) {
				return Step{}, errStopped
			}
		}
		if chunk.Step != nil {
			step = chunk.Step
			break
		}
	}

	if step == nil {
		return Step{Text: text.String()}, nil
	}
	out := *step
	if text.Len() > 0 {
		out.Text = text.String()
	} else if out.Text != "" && !onFragment(out.Text) {
		return Step{}, errStopped
	}
	return out, nil
}

// execute runs one invocation through the gate and the registry. The call is
// detached from ctx cancellation once dispatched; the registry applies its own timeout.
func (l *Loop) execute(ctx context.Context, history []Message, inv Invocation) (Result, *denial) {
	res := Result{CallID: inv.ID, Operation: inv.Name}

	if inv.ArgsError != "" {
		res.Output = fmt.Sprintf("%s: could not decode arguments for %s: %s", operation.ErrorPrefix, inv.Name, inv.ArgsError)
		res.Status = StatusError
		return res, nil
	}

	op, ok := l.ops.Lookup(inv.Name)
	if !ok {
		res.Output = l.ops.Invoke(ctx, inv.Name, inv.Args)
		res.Status = StatusError
		return res, nil
	}

	inv.Args = trimConfirmTarget(op, inv.Args)
	decision := l.gate.Check(op, inv.Args, gateView(history))
	rec := InvocationRecord{
		SessionID:  identity.SessionIDFromContext(ctx),
		Invocation: inv,
		Mutating:   op.Mutating,
		Allowed:    decision.Allowed,
		Phrase:     decision.Phrase,
	}
	if decision.Denied() {
		res.Output = decision.Prompt
		res.Status = StatusDenied
		rec.Result = res
		l.observe(ctx, rec)
		slog.Info("Mutating operation awaiting confirmation", "operation", inv.Name, "call_id", inv.ID)
		var d *denial
		if decision.Phrase != "" {
			d = &denial{phrase: decision.Phrase, prompt: decision.Prompt}
		}
		return res, d
	}

	res.Output = l.ops.Invoke(context.WithoutCancel(ctx), inv.Name, inv.Args)
	res.Status = StatusOK
	if operation.IsErrorResult(res.Output) {
		res.Status = StatusError
	}
	rec.Result = res
	l.observe(ctx, rec)
	return res, nil
}

func (l *Loop) observe(ctx context.Context, rec InvocationRecord) {
	rec.At = time.Now().UTC()
	for _, o := range l.observers {
		o.ObserveInvocation(ctx, rec)
	}
}

// trimConfirmTarget returns args with the confirmation target trimmed, so the
// name the user confirmed is the name the operation receives.
func trimConfirmTarget(op operation.Operation, args operation.Args) operation.Args {
	key := op.Confirm.Target
	v, ok := args[key].(string)
	if key == "" || !ok || strings.TrimSpace(v) == v {
		return args
	}
	out := make(operation.Args, len(args))
	maps.Copy(out, args)
	out[key] = strings.TrimSpace(v)
	return out
}

func gateView(history []Message) []confirm.Message {
	out := make([]confirm.Message, len(history))
	for i, m := range history {
		out[i] = confirm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
