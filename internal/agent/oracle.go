package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/clusterchat/internal/operation"
)

// ErrOracleUnavailable marks a turn that failed because the reasoning oracle
// could not be reached or returned garbage.
var ErrOracleUnavailable = errors.New("oracle unavailable")

// OracleChunk is one element of a streamed proposal. Fragments arrive first;
// the last chunk carries the classified Step.
type OracleChunk struct {
	Fragment string
	Step     *Step
}

// Oracle proposes the next step of a turn.
type Oracle interface {
	// Propose returns one complete step for the history.
	Propose(ctx context.Context, history []Message, tools []operation.Schema) (Step, error)

	// ProposeStream yields text fragments as they are produced, then the step.
	// A stream that ends without a step is treated as a final answer made of its fragments.
	ProposeStream(ctx context.Context, history []Message, tools []operation.Schema) iter.Seq2[OracleChunk, error]

	// Ping reports whether the oracle is reachable.
	Ping(ctx context.Context) error
}

// Operations is the part of the registry the loop depends on.
type Operations interface {
	Schemas() []operation.Schema
	Lookup(name string) (operation.Operation, bool)
	Invoke(ctx context.Context, name string, args operation.Args) string
}

var _ Operations = (*operation.Registry)(nil)
