package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a single operation call.
const DefaultTimeout = 30 * time.Second

// ErrUnknownOperation is reported (as text) when an invocation names no registered operation.
var ErrUnknownOperation = errors.New("unknown operation")

// ErrorPrefix starts every failure text produced by Invoke.
const ErrorPrefix = "Error"

// IsErrorResult reports whether an Invoke output describes a failure.
func IsErrorResult(out string) bool {
	return strings.HasPrefix(out, ErrorPrefix)
}

type entry struct {
	op     Operation
	schema *gojsonschema.Schema
}

// Registry is an ordered, name-keyed table of operations built once at startup.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	order   []string
	entries map[string]entry
	timeout time.Duration
}

// NewRegistry builds the table. Duplicate names, missing handlers and mutating
// operations without a usable ConfirmSpec are rejected.
func NewRegistry(timeout time.Duration, ops ...Operation) (*Registry, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		order:   make([]string, 0, len(ops)),
		entries: make(map[string]entry, len(ops)),
		timeout: timeout,
	}
	for _, op := range ops {
		if err := validateDefinition(op); err != nil {
			return nil, err
		}
		if _, dup := r.entries[op.Name]; dup {
			return nil, fmt.Errorf("register operation %s: duplicate name", op.Name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(op.JSONSchema()))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", op.Name, err)
		}
		r.order = append(r.order, op.Name)
		r.entries[op.Name] = entry{op: op, schema: schema}
	}
	return r, nil
}

func validateDefinition(op Operation) error {
	if strings.TrimSpace(op.Name) == "" {
		return errors.New("register operation: empty name")
	}
	if op.Invoke == nil {
		return fmt.Errorf("register operation %s: nil handler", op.Name)
	}
	if !op.Mutating {
		return nil
	}
	c := op.Confirm
	if c.Verb == "" || c.Resource == "" || c.Target == "" {
		return fmt.Errorf("register operation %s: mutating operation needs a confirm verb, resource and target", op.Name)
	}
	for _, p := range op.Params {
		if p.Name == c.Target {
			return nil
		}
	}
	return fmt.Errorf("register operation %s: confirm target %q is not a declared parameter", op.Name, c.Target)
}

// List returns the operations in registration order.
func (r *Registry) List() []Operation {
	out := make([]Operation, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].op)
	}
	return out
}

// Names returns operation names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup finds an operation by name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	e, ok := r.entries[name]
	return e.op, ok
}

// Schemas describes every operation for the reasoning oracle.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		op := r.entries[name].op
		out = append(out, Schema{
			Name:        op.Name,
			Description: op.Description,
			Parameters:  op.JSONSchema(),
			Mutating:    op.Mutating,
		})
	}
	return out
}

// Validate checks args against the operation's declared parameters.
func (r *Registry) Validate(name string, args Args) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	if args == nil {
		args = Args{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(map[string]any(args)))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

// Invoke runs the named operation and always returns text. Unknown names,
// schema violations, handler errors, panics and timeouts become error text.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) string {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Sprintf("Error: %v %q. Available operations: %s",
			ErrUnknownOperation, name, strings.Join(r.order, ", "))
	}
	if err := r.Validate(name, args); err != nil {
		return fmt.Sprintf("Error calling %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := call(ctx, e.op, args)
	if err != nil {
		slog.Warn("Operation failed", "operation", name, "error", err, "duration", time.Since(start))
		return fmt.Sprintf("Error calling %s: %v", name, err)
	}
	slog.Debug("Operation completed", "operation", name, "duration", time.Since(start))
	return out
}

func call(ctx context.Context, op Operation, args Args) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation panicked: %v", rec)
		}
	}()
	return op.Invoke(ctx, args)
}
