package agent

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/clusterchat/internal/operation"
	"github.com/stretchr/testify/require"
)

// scriptedOracle replays a fixed list of steps. When the script runs out the
// last step repeats, which models an oracle that never finishes.
type scriptedOracle struct {
	mu        sync.Mutex
	steps     []Step
	failAt    int // 1-based consultation that fails; 0 never
	err       error
	calls     int
	histories [][]Message
}

func newScriptedOracle(steps ...Step) *scriptedOracle {
	return &scriptedOracle{steps: steps}
}

func (o *scriptedOracle) next(history []Message) (Step, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.histories = append(o.histories, append([]Message(nil), history...))
	if o.failAt > 0 && o.calls == o.failAt {
		return Step{}, o.err
	}
	idx := o.calls - 1
	if idx >= len(o.steps) {
		idx = len(o.steps) - 1
	}
	return o.steps[idx], nil
}

func (o *scriptedOracle) Propose(ctx context.Context, history []Message, _ []operation.Schema) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	return o.next(history)
}

// ProposeStream emits the step text in small fragments, then the step.
func (o *scriptedOracle) ProposeStream(ctx context.Context, history []Message, _ []operation.Schema) iter.Seq2[OracleChunk, error] {
	return func(yield func(OracleChunk, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(OracleChunk{}, err)
			return
		}
		step, err := o.next(history)
		if err != nil {
			yield(OracleChunk{}, err)
			return
		}
		for _, frag := range splitFragments(step.Text, 4) {
			if !yield(OracleChunk{Fragment: frag}, nil) {
				return
			}
		}
		yield(OracleChunk{Step: &Step{Invocations: step.Invocations}}, nil)
	}
}

func (o *scriptedOracle) Ping(context.Context) error { return nil }

func (o *scriptedOracle) consultations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func splitFragments(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// fakeCluster records every operation call that reaches the registry.
type fakeCluster struct {
	mu    sync.Mutex
	calls []operation.Args
	names []string
}

func (f *fakeCluster) record(name string, args operation.Args) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	f.calls = append(f.calls, args)
}

func (f *fakeCluster) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.names {
		if got == name {
			n++
		}
	}
	return n
}

func (f *fakeCluster) registry(t *testing.T) *operation.Registry {
	t.Helper()
	reg, err := operation.NewRegistry(time.Second,
		operation.Operation{
			Name:        "list_namespaces",
			Description: "List namespaces",
			Invoke: func(_ context.Context, args operation.Args) (string, error) {
				f.record("list_namespaces", args)
				return "Available namespaces: default, kube-system", nil
			},
		},
		operation.Operation{
			Name: "get_pod",
			Params: []operation.Param{
				{Name: "name", Type: operation.TypeString, Required: true},
			},
			Invoke: func(_ context.Context, args operation.Args) (string, error) {
				f.record("get_pod", args)
				return "Pod " + args.String("name", "") + " is Running.", nil
			},
		},
		operation.Operation{
			Name: "delete_pod",
			Params: []operation.Param{
				{Name: "name", Type: operation.TypeString, Required: true},
				{Name: "namespace", Type: operation.TypeString},
			},
			Mutating: true,
			Confirm:  operation.ConfirmSpec{Verb: "delete", Resource: "pod", Target: "name"},
			Invoke: func(_ context.Context, args operation.Args) (string, error) {
				f.record("delete_pod", args)
				return "Pod " + args.String("name", "") + " deleted successfully.", nil
			},
		},
	)
	require.NoError(t, err)
	return reg
}

type recordingObserver struct {
	mu      sync.Mutex
	records []InvocationRecord
}

func (o *recordingObserver) ObserveInvocation(_ context.Context, rec InvocationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *recordingObserver) snapshot() []InvocationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]InvocationRecord(nil), o.records...)
}

func invoke(id, name string, args operation.Args) Invocation {
	return Invocation{ID: id, Name: name, Args: args}
}

// collect drains a streamed turn into its fragments and final result.
func collect(t *testing.T, seq iter.Seq2[Event, error]) (string, *TurnResult, error) {
	t.Helper()
	var text string
	var res *TurnResult
	for ev, err := range seq {
		if err != nil {
			return text, res, err
		}
		switch ev.Kind {
		case EventFragment:
			text += ev.Text
		case EventDone:
			res = ev.Turn
		}
	}
	return text, res, nil
}
