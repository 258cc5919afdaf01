// Package operation defines the capability table of named cluster operations
// the agent may invoke, and dispatches invocations by table lookup.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParamType is the JSON type of an operation parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param declares one operation argument.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
}

// ConfirmSpec names the pieces the confirmation phrase is built from:
// "yes, <Verb> <Resource> <value of Target>".
type ConfirmSpec struct {
	Verb     string
	Resource string
	Target   string
}

// Func performs the operation. Errors are turned into text by the Registry.
type Func func(ctx context.Context, args Args) (string, error)

// Operation is a named, independently invocable action.
type Operation struct {
	Name        string
	Description string
	Params      []Param
	Mutating    bool
	Confirm     ConfirmSpec
	Invoke      Func
}

// Schema is the oracle-facing description of an operation.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Mutating    bool           `json:"mutating"`
}

// JSONSchema renders the operation's parameters as a JSON-schema object.
func (o Operation) JSONSchema() map[string]any {
	props := make(map[string]any, len(o.Params))
	required := make([]string, 0)
	for _, p := range o.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Args holds decoded invocation arguments.
type Args map[string]any

// ParseArgs decodes a JSON object of arguments. An empty string yields empty Args.
func ParseArgs(raw string) (Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

// JSON renders the arguments compactly; it never fails for decoded input.
func (a Args) JSON() string {
	if len(a) == 0 {
		return "{}"
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// String returns a string argument, or fallback when absent or empty.
func (a Args) String(name, fallback string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return fallback
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return fallback
		}
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns an integer argument, or fallback when absent or not a whole number.
func (a Args) Int(name string, fallback int) int {
	switch v := a[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// Bool returns a boolean argument, or fallback when absent.
func (a Args) Bool(name string, fallback bool) bool {
	switch v := a[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// StringMap returns an object argument whose values are rendered as strings.
func (a Args) StringMap(name string) map[string]string {
	raw, ok := a[name].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
