package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/clusterchat/internal/confirm"
	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/ashureev/clusterchat/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nginxPrompt = "Confirmation required to delete pod 'nginx-1'. Please confirm by saying 'yes, delete pod nginx-1'."

func newTestLoop(t *testing.T, oracle Oracle, cluster *fakeCluster, cfg LoopConfig) *Loop {
	t.Helper()
	return NewLoop(oracle, cluster.registry(t), confirm.New(), cfg)
}

func TestDeleteWithoutConfirmationIsDenied(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "delete_pod", operation.Args{"name": "nginx-1", "namespace": "default"})}},
		Step{Text: "Deleting a pod is destructive."},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{})

	res, err := loop.RunTurn(context.Background(), nil, "delete pod nginx-1 in default")
	require.NoError(t, err)

	assert.Equal(t, 0, cluster.count("delete_pod"))
	assert.Contains(t, res.Text, "yes, delete pod nginx-1")
	require.Len(t, res.Trace, 1)
	assert.Equal(t, StatusDenied, res.Trace[0].Result.Status)
	assert.Equal(t, nginxPrompt, res.Trace[0].Result.Output)
	assert.Equal(t, "Deleting a pod is destructive.\n\n"+nginxPrompt, res.Text)
}

func TestConfirmedDeleteRunsExactlyOnce(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "delete_pod", operation.Args{"name": "nginx-1", "namespace": "default"})}},
		Step{Text: "Pod nginx-1 deleted."},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{})

	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "delete pod nginx-1 in default"},
		{Role: domain.RoleAssistant, Content: nginxPrompt},
	}
	res, err := loop.RunTurn(context.Background(), history, "yes, delete pod nginx-1")
	require.NoError(t, err)

	require.Equal(t, 1, cluster.count("delete_pod"))
	assert.Equal(t, "nginx-1", cluster.calls[0].String("name", ""))
	assert.Equal(t, "Pod nginx-1 deleted.", res.Text)
	assert.Equal(t, StatusOK, res.Trace[0].Result.Status)
}

func TestConfirmedTargetIsTrimmedBeforeExecution(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	args := operation.Args{"name": " nginx-1 ", "namespace": "default"}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "delete_pod", args)}},
		Step{Text: "Pod nginx-1 deleted."},
	)
	obs := &recordingObserver{}
	loop := newTestLoop(t, oracle, cluster, LoopConfig{Observers: []Observer{obs}})

	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "delete pod nginx-1 in default"},
		{Role: domain.RoleAssistant, Content: nginxPrompt},
	}
	_, err := loop.RunTurn(context.Background(), history, "yes, delete pod nginx-1")
	require.NoError(t, err)

	require.Equal(t, 1, cluster.count("delete_pod"))
	assert.Equal(t, "nginx-1", cluster.calls[0].String("name", ""))
	assert.Equal(t, "default", cluster.calls[0].String("namespace", ""))
	assert.Equal(t, " nginx-1 ", args["name"], "proposed args must not be mutated")

	recs := obs.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "nginx-1", recs[0].Invocation.Args.String("name", ""))
}

func TestConfirmationDoesNotCarryAcrossTurns(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "delete_pod", operation.Args{"name": "nginx-1"})}},
		Step{Text: "Need confirmation again."},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{})

	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "yes, delete pod nginx-1"},
		{Role: domain.RoleAssistant, Content: "Pod nginx-1 deleted successfully."},
	}
	_, err := loop.RunTurn(context.Background(), history, "delete it again")
	require.NoError(t, err)
	assert.Equal(t, 0, cluster.count("delete_pod"))
}

func TestDenialIsDeterministic(t *testing.T) {
	t.Parallel()

	var outputs []string
	for i := 0; i < 3; i++ {
		cluster := &fakeCluster{}
		oracle := newScriptedOracle(
			Step{Invocations: []Invocation{invoke("", "delete_pod", operation.Args{"name": "nginx-1"})}},
			Step{Text: "Please confirm."},
		)
		res, err := newTestLoop(t, oracle, cluster, LoopConfig{}).RunTurn(context.Background(), nil, "remove nginx-1")
		require.NoError(t, err)
		outputs = append(outputs, res.Trace[0].Result.Output)
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}

func TestReadOperationSkipsGate(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	observer := &recordingObserver{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "list_namespaces", nil)}},
		Step{Text: "You have default and kube-system."},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{Observers: []Observer{observer}})

	res, err := loop.RunTurn(context.Background(), nil, "list namespaces")
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.count("list_namespaces"))
	assert.Equal(t, "Available namespaces: default, kube-system", res.Trace[0].Result.Output)

	recs := observer.snapshot()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Allowed)
	assert.False(t, recs[0].Mutating)
	assert.Empty(t, recs[0].Phrase)
}

func TestInvocationsRunInProposedOrder(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{
			invoke("a", "get_pod", operation.Args{"name": "a"}),
			invoke("b", "get_pod", operation.Args{"name": "b"}),
			invoke("c", "get_pod", operation.Args{"name": "c"}),
		}},
		Step{Text: "All running."},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{})

	res, err := loop.RunTurn(context.Background(), nil, "check a, b and c")
	require.NoError(t, err)

	require.Len(t, res.Trace, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, res.Trace[i].Result.CallID)
		assert.Equal(t, id, cluster.calls[i].String("name", ""))
	}

	require.Len(t, oracle.histories, 2)
	second := oracle.histories[1]
	tail := second[len(second)-3:]
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, RoleTool, tail[i].Role)
		assert.Equal(t, id, tail[i].CallID)
		assert.Equal(t, "Pod "+id+" is Running.", tail[i].Content)
	}
}

func TestSystemPromptLeadsEveryConsultation(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(Step{Text: "hello"})
	_, err := newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{}).RunTurn(context.Background(), nil, "hi")
	require.NoError(t, err)

	first := oracle.histories[0]
	require.Len(t, first, 2)
	assert.Equal(t, RoleSystem, first[0].Role)
	assert.Contains(t, first[0].Content, "delete_pod")
	assert.Equal(t, Message{Role: RoleUser, Content: "hi"}, first[1])
}

func TestMissingCorrelationIDsAreAssigned(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("", "list_namespaces", nil), invoke("", "list_namespaces", nil)}},
		Step{Text: "ok"},
	)
	res, err := newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{}).RunTurn(context.Background(), nil, "ns")
	require.NoError(t, err)
	assert.Equal(t, "call_1_0", res.Trace[0].Invocation.ID)
	assert.Equal(t, "call_1_1", res.Trace[1].Result.CallID)
}

func TestIterationCapTerminatesPathologicalOracle(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Text: "still looking", Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{MaxIterations: 3})

	res, err := loop.RunTurn(context.Background(), nil, "loop forever")
	require.NoError(t, err)

	assert.True(t, res.Limited)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, oracle.consultations())
	assert.Equal(t, 3, cluster.count("list_namespaces"))
	assert.Contains(t, res.Text, "I stopped after 3 reasoning steps")
}

func TestFinalAnswerWithinCapIsNotLimited(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
		Step{Text: "done"},
	)
	res, err := newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{MaxIterations: 2}).RunTurn(context.Background(), nil, "ns")
	require.NoError(t, err)
	assert.False(t, res.Limited)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 2, res.Iterations)
}

func TestOperationErrorsBecomeResults(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{
			invoke("u", "no_such_operation", nil),
			invoke("m", "get_pod", operation.Args{}),
			{ID: "d", Name: "get_pod", ArgsError: "unexpected end of JSON input"},
		}},
		Step{Text: "Something went wrong."},
	)
	cluster := &fakeCluster{}
	res, err := newTestLoop(t, oracle, cluster, LoopConfig{}).RunTurn(context.Background(), nil, "break things")
	require.NoError(t, err)

	require.Len(t, res.Trace, 3)
	for _, e := range res.Trace {
		assert.Equal(t, StatusError, e.Result.Status, e.Invocation.ID)
	}
	assert.Contains(t, res.Trace[0].Result.Output, "unknown operation")
	assert.Contains(t, res.Trace[2].Result.Output, "could not decode arguments")
	assert.Equal(t, 0, cluster.count("get_pod"))
}

func TestOracleFailureAbortsTurn(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
		Step{Text: "never"},
	)
	oracle.failAt = 2
	oracle.err = errors.New("connection refused")
	cluster := &fakeCluster{}

	_, err := newTestLoop(t, oracle, cluster, LoopConfig{}).RunTurn(context.Background(), nil, "ns")
	require.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, cluster.count("list_namespaces"))

	oracle = newScriptedOracle(Step{Text: "never"})
	oracle.failAt = 1
	oracle.err = errors.New("boom")
	_, _, err = collect(t, newTestLoop(t, oracle, cluster, LoopConfig{}).StreamTurn(context.Background(), nil, "ns"))
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestCancelledContextIsNotOracleFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oracle := newScriptedOracle(Step{Text: "hi"})
	_, err := newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{}).RunTurn(ctx, nil, "hello")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 0, oracle.consultations())
}

func TestStreamingMatchesBuffered(t *testing.T) {
	t.Parallel()

	scripts := map[string][]Step{
		"plain answer": {
			{Text: "Your cluster has two namespaces."},
		},
		"interim narration and denial": {
			{Text: "Let me check.", Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
			{Text: "Checking the pod.\n", Invocations: []Invocation{
				invoke("", "get_pod", operation.Args{"name": "web"}),
				invoke("", "delete_pod", operation.Args{"name": "web"}),
			}},
			{Text: "Done here."},
		},
		"iteration cap": {
			{Text: "thinking", Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
		},
		"empty final": {
			{Invocations: []Invocation{invoke("", "get_pod", operation.Args{"name": "x"})}},
			{},
		},
	}

	for name, steps := range scripts {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			buffered, err := newTestLoop(t, newScriptedOracle(steps...), &fakeCluster{}, LoopConfig{MaxIterations: 3}).
				RunTurn(context.Background(), nil, "go")
			require.NoError(t, err)

			streamed, res, err := collect(t, newTestLoop(t, newScriptedOracle(steps...), &fakeCluster{}, LoopConfig{MaxIterations: 3}).
				StreamTurn(context.Background(), nil, "go"))
			require.NoError(t, err)
			require.NotNil(t, res)

			assert.Equal(t, buffered.Text, streamed)
			assert.Equal(t, buffered.Text, res.Text)
			assert.Equal(t, len(buffered.Trace), len(res.Trace))
		})
	}
}

func TestStreamConsumerStoppingEndsTurn(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	oracle := newScriptedOracle(
		Step{Text: "Working on it", Invocations: []Invocation{invoke("", "list_namespaces", nil)}},
		Step{Text: "done"},
	)
	loop := newTestLoop(t, oracle, cluster, LoopConfig{})

	for ev, err := range loop.StreamTurn(context.Background(), nil, "ns") {
		require.NoError(t, err)
		require.Equal(t, EventFragment, ev.Kind)
		break
	}

	assert.Equal(t, 1, oracle.consultations())
	assert.Equal(t, 0, cluster.count("list_namespaces"))
}

func TestStreamEmitsInvocationEvents(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("x", "list_namespaces", nil)}},
		Step{Text: "ok"},
	)
	var kinds []EventKind
	for ev, err := range newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{}).StreamTurn(context.Background(), nil, "ns") {
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventInvocation, EventResult, EventFragment, EventDone}, kinds)
}

func TestObserverSeesDenialsWithSession(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	oracle := newScriptedOracle(
		Step{Invocations: []Invocation{invoke("c1", "delete_pod", operation.Args{"name": "nginx-1"})}},
		Step{Text: "Confirm please."},
	)
	loop := newTestLoop(t, oracle, &fakeCluster{}, LoopConfig{Observers: []Observer{observer}})

	ctx := identity.WithSessionID(context.Background(), "s-42")
	_, err := loop.RunTurn(ctx, nil, "delete pod nginx-1")
	require.NoError(t, err)

	recs := observer.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "s-42", recs[0].SessionID)
	assert.True(t, recs[0].Mutating)
	assert.False(t, recs[0].Allowed)
	assert.Equal(t, "yes, delete pod nginx-1", recs[0].Phrase)
	assert.Equal(t, StatusDenied, recs[0].Result.Status)
}
