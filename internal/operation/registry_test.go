package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listNamespaces() Operation {
	return Operation{
		Name:        "list_namespaces",
		Description: "List namespaces",
		Invoke: func(context.Context, Args) (string, error) {
			return "Available namespaces: default, kube-system", nil
		},
	}
}

func deletePod(calls *int) Operation {
	return Operation{
		Name: "delete_pod",
		Params: []Param{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "namespace", Type: TypeString},
		},
		Mutating: true,
		Confirm:  ConfirmSpec{Verb: "delete", Resource: "pod", Target: "name"},
		Invoke: func(_ context.Context, args Args) (string, error) {
			*calls++
			return "Pod " + args.String("name", "") + " deleted successfully.", nil
		},
	}
}

func TestNewRegistryKeepsOrder(t *testing.T) {
	t.Parallel()

	calls := 0
	r, err := NewRegistry(time.Second, listNamespaces(), deletePod(&calls))
	require.NoError(t, err)

	assert.Equal(t, []string{"list_namespaces", "delete_pod"}, r.Names())
	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "delete_pod", schemas[1].Name)
	assert.True(t, schemas[1].Mutating)
	assert.Equal(t, []string{"name"}, schemas[1].Parameters["required"])
}

func TestNewRegistryRejectsBadDefinitions(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(time.Second, listNamespaces(), listNamespaces())
	require.Error(t, err)

	noConfirm := Operation{Name: "delete_all", Mutating: true, Invoke: listNamespaces().Invoke}
	_, err = NewRegistry(time.Second, noConfirm)
	require.Error(t, err)

	badTarget := Operation{
		Name:     "delete_thing",
		Mutating: true,
		Confirm:  ConfirmSpec{Verb: "delete", Resource: "thing", Target: "id"},
		Invoke:   listNamespaces().Invoke,
	}
	_, err = NewRegistry(time.Second, badTarget)
	require.Error(t, err)

	_, err = NewRegistry(time.Second, Operation{Name: "nil_handler"})
	require.Error(t, err)
}

func TestInvokeNeverReturnsGoError(t *testing.T) {
	t.Parallel()

	failing := Operation{
		Name: "get_pod",
		Params: []Param{
			{Name: "name", Type: TypeString, Required: true},
		},
		Invoke: func(context.Context, Args) (string, error) {
			return "", errors.New("backend unreachable")
		},
	}
	panicking := Operation{
		Name: "explode",
		Invoke: func(context.Context, Args) (string, error) {
			panic("boom")
		},
	}
	r, err := NewRegistry(time.Second, failing, panicking)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Contains(t, r.Invoke(ctx, "get_pod", Args{"name": "web"}), "backend unreachable")
	assert.Contains(t, r.Invoke(ctx, "explode", nil), "panicked")
	assert.Contains(t, r.Invoke(ctx, "nope", nil), "unknown operation")
	assert.Contains(t, r.Invoke(ctx, "get_pod", Args{}), "name")
	assert.Contains(t, r.Invoke(ctx, "get_pod", Args{"name": 42}), "Error calling get_pod")
}

func TestInvokeHonoursTimeout(t *testing.T) {
	t.Parallel()

	slow := Operation{
		Name: "slow",
		Invoke: func(ctx context.Context, _ Args) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	r, err := NewRegistry(20*time.Millisecond, slow)
	require.NoError(t, err)

	assert.Contains(t, r.Invoke(context.Background(), "slow", nil), "deadline exceeded")
}

func TestValidateAcceptsJSONNumbersForIntegers(t *testing.T) {
	t.Parallel()

	scale := Operation{
		Name: "scale",
		Params: []Param{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "replicas", Type: TypeInteger, Required: true},
		},
		Invoke: func(_ context.Context, args Args) (string, error) {
			return "ok", nil
		},
	}
	r, err := NewRegistry(time.Second, scale)
	require.NoError(t, err)

	args, err := ParseArgs(`{"name":"web","replicas":3}`)
	require.NoError(t, err)
	require.NoError(t, r.Validate("scale", args))
	assert.Equal(t, 3, args.Int("replicas", 0))

	require.Error(t, r.Validate("scale", Args{"name": "web", "replicas": 2.5}))
}

func TestArgsHelpers(t *testing.T) {
	t.Parallel()

	args := Args{"name": "web", "count": "4", "force": "true", "labels": map[string]any{"app": "web", "tier": 1}}
	assert.Equal(t, "web", args.String("name", ""))
	assert.Equal(t, "default", args.String("namespace", "default"))
	assert.Equal(t, 4, args.Int("count", 0))
	assert.True(t, args.Bool("force", false))
	assert.Equal(t, map[string]string{"app": "web", "tier": "1"}, args.StringMap("labels"))

	empty, err := ParseArgs("  ")
	require.NoError(t, err)
	assert.Equal(t, "{}", empty.JSON())

	_, err = ParseArgs("{not json")
	require.Error(t, err)
}
