package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/clusterchat/internal/agent"
	"github.com/ashureev/clusterchat/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/", Model: "test-model", APIKey: "secret"}, srv.Client(), nil)
}

var testSchemas = []operation.Schema{{
	Name:        "get_container",
	Description: "Show one container",
	Parameters:  map[string]any{"type": "object", "properties": map[string]any{"name": map[string]any{"type": "string"}}},
}}

func TestProposeSendsHistoryAndTools(t *testing.T) {
	t.Parallel()

	var got chatRequest
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"","tool_calls":[
			{"id":"call_a","type":"function","function":{"name":"get_container","arguments":"{\"name\":\"web\"}"}}]}}]}`)
	})

	history := []agent.Message{
		{Role: agent.RoleSystem, Content: "sys"},
		{Role: agent.RoleUser, Content: "show web"},
		{Role: agent.RoleAssistant, Invocations: []agent.Invocation{{ID: "c0", Name: "list_containers", Args: operation.Args{}}}},
		{Role: agent.RoleTool, Content: "web", CallID: "c0", Name: "list_containers"},
	}
	step, err := client.Propose(context.Background(), history, testSchemas)
	require.NoError(t, err)

	require.Len(t, step.Invocations, 1)
	assert.Equal(t, "call_a", step.Invocations[0].ID)
	assert.Equal(t, "get_container", step.Invocations[0].Name)
	assert.Equal(t, "web", step.Invocations[0].Args.String("name", ""))

	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "list_containers", got.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "{}", got.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c0", got.Messages[3].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "get_container", got.Tools[0].Function.Name)
}

func TestProposeFinalAnswer(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"All good."}}]}`)
	})
	step, err := client.Propose(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, step.Final())
	assert.Equal(t, "All good.", step.Text)
}

func TestProposeKeepsUndecodableArguments(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
			{"id":"x","function":{"name":"get_container","arguments":"{not json"}}]}}]}`)
	})
	step, err := client.Propose(context.Background(), nil, testSchemas)
	require.NoError(t, err)
	require.Len(t, step.Invocations, 1)
	assert.NotEmpty(t, step.Invocations[0].ArgsError)
	assert.Nil(t, step.Invocations[0].Args)
}

func TestProposeErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `<html>`)
		},
		"no choices": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"choices":[]}`)
		},
		"empty": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"  "}}]}`)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client := newTestOpenAI(t, handler)
			_, err := client.Propose(context.Background(), nil, nil)
			require.Error(t, err)
		})
	}
}

func writeSSELines(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
}

func TestProposeStreamYieldsFragmentsThenStep(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		writeSSELines(w,
			`{"choices":[{"delta":{"content":"Check"}}]}`,
			`{"choices":[{"delta":{"content":"ing."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_container","arguments":"{\"na"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"me\":\"web\"}"}}]}}]}`,
			`[DONE]`,
		)
	})

	var fragments []string
	var step *agent.Step
	for chunk, err := range client.ProposeStream(context.Background(), nil, testSchemas) {
		require.NoError(t, err)
		if chunk.Fragment != "" {
			fragments = append(fragments, chunk.Fragment)
		}
		if chunk.Step != nil {
			step = chunk.Step
		}
	}
	assert.Equal(t, []string{"Check", "ing."}, fragments)
	require.NotNil(t, step)
	assert.Equal(t, "Checking.", step.Text)
	require.Len(t, step.Invocations, 1)
	assert.Equal(t, "call_1", step.Invocations[0].ID)
	assert.Equal(t, operation.Args{"name": "web"}, step.Invocations[0].Args)
}

func TestProposeStreamStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSELines(w,
			`{"choices":[{"delta":{"content":"one"}}]}`,
			`{"choices":[{"delta":{"content":"two"}}]}`,
			`[DONE]`,
		)
	})

	n := 0
	for chunk, err := range client.ProposeStream(context.Background(), nil, nil) {
		require.NoError(t, err)
		n++
		assert.Equal(t, "one", chunk.Fragment)
		break
	}
	assert.Equal(t, 1, n)
}

func TestProposeStreamBadChunk(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSELines(w, `{"choices":[{"delta":{"content":"ok"}}]}`, `{broken`)
	})

	var lastErr error
	var text strings.Builder
	for chunk, err := range client.ProposeStream(context.Background(), nil, nil) {
		if err != nil {
			lastErr = err
			break
		}
		text.WriteString(chunk.Fragment)
	}
	require.Error(t, lastErr)
	assert.Equal(t, "ok", text.String())
}

func TestPing(t *testing.T) {
	t.Parallel()

	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})
	require.NoError(t, client.Ping(context.Background()))

	down := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	require.Error(t, down.Ping(context.Background()))
}
