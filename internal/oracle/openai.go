// Package oracle provides Reasoning Oracle implementations for the agent loop.
package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/clusterchat/internal/agent"
	"github.com/ashureev/clusterchat/internal/operation"
)

const (
	defaultBaseURL  = "http://localhost:11434/v1"
	maxErrorBody    = 64 * 1024
	maxStreamLine   = 4 * 1024 * 1024
	streamDoneToken = "[DONE]"
)

var errEmptyReply = errors.New("oracle reply has neither content nor tool calls")

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
	// Temperature is sent as-is; the default of 0 keeps answers repeatable.
	Temperature float64
}

// OpenAI talks to any server that implements POST /chat/completions.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *slog.Logger
}

var _ agent.Oracle = (*OpenAI)(nil)

// NewOpenAI creates a client. A nil httpClient gets one with cfg.Timeout.
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client, logger *slog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{cfg: cfg, httpClient: httpClient, logger: logger}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []toolDef     `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type toolDef struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type toolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *OpenAI) buildRequest(ctx context.Context, history []agent.Message, tools []operation.Schema, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    toChatMessages(history),
		Tools:       toToolDefs(tools),
		Stream:      stream,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	c.authorize(req)
	return req, nil
}

func (c *OpenAI) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *OpenAI) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Propose sends one non-streaming completion request.
func (c *OpenAI) Propose(ctx context.Context, history []agent.Message, tools []operation.Schema) (agent.Step, error) {
	req, err := c.buildRequest(ctx, history, tools, false)
	if err != nil {
		return agent.Step{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return agent.Step{}, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return agent.Step{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return agent.Step{}, fmt.Errorf("decode response: %w", errEmptyReply)
	}
	msg := out.Choices[0].Message
	step := agent.Step{Text: msg.Content, Invocations: toInvocations(msg.ToolCalls)}
	if strings.TrimSpace(step.Text) == "" && step.Final() {
		return agent.Step{}, errEmptyReply
	}
	c.logger.Debug("Oracle proposed step", "model", c.cfg.Model, "invocations", len(step.Invocations))
	return step, nil
}

// ProposeStream sends a streaming request and yields content deltas as they
// arrive. Tool-call deltas are accumulated by index and delivered with the step.
func (c *OpenAI) ProposeStream(ctx context.Context, history []agent.Message, tools []operation.Schema) iter.Seq2[agent.OracleChunk, error] {
	return func(yield func(agent.OracleChunk, error) bool) {
		req, err := c.buildRequest(ctx, history, tools, true)
		if err != nil {
			yield(agent.OracleChunk{}, err)
			return
		}
		resp, err := c.do(req)
		if err != nil {
			yield(agent.OracleChunk{}, err)
			return
		}
		defer resp.Body.Close()

		var text strings.Builder
		calls := map[int]*toolCall{}
		stopped := false

		err = consumeSSE(resp.Body, func(data string) error {
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					text.WriteString(choice.Delta.Content)
					if !yield(agent.OracleChunk{Fragment: choice.Delta.Content}, nil) {
						stopped = true
						return errStopConsuming
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					mergeToolCall(calls, tc)
				}
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			yield(agent.OracleChunk{}, err)
			return
		}

		step := agent.Step{Text: text.String(), Invocations: toInvocations(orderedCalls(calls))}
		if strings.TrimSpace(step.Text) == "" && step.Final() {
			yield(agent.OracleChunk{}, errEmptyReply)
			return
		}
		c.logger.Debug("Oracle streamed step", "model", c.cfg.Model, "invocations", len(step.Invocations))
		yield(agent.OracleChunk{Step: &step}, nil)
	}
}

// Ping lists models; any 2xx answer counts as reachable.
func (c *OpenAI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

var errStopConsuming = errors.New("stop consuming stream")

// consumeSSE calls onData for every data payload until the [DONE] token.
// Comment lines and other fields are ignored; multi-line data is joined with newlines.
func consumeSSE(r io.Reader, onData func(string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	var lines []string
	flush := func() (bool, error) {
		if len(lines) == 0 {
			return false, nil
		}
		data := strings.Join(lines, "\n")
		lines = lines[:0]
		if strings.TrimSpace(data) == streamDoneToken {
			return true, nil
		}
		return false, onData(data)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			done, err := flush()
			if err != nil || done {
				return ignoreStop(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		lines = append(lines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	_, err := flush()
	return ignoreStop(err)
}

func ignoreStop(err error) error {
	if errors.Is(err, errStopConsuming) {
		return nil
	}
	return err
}

func mergeToolCall(calls map[int]*toolCall, delta toolCall) {
	idx := max(delta.Index, 0)
	current, ok := calls[idx]
	if !ok {
		current = &toolCall{Index: idx}
		calls[idx] = current
	}
	if id := strings.TrimSpace(delta.ID); id != "" {
		current.ID = id
	}
	if name := strings.TrimSpace(delta.Function.Name); name != "" {
		current.Function.Name = name
	}
	current.Function.Arguments += delta.Function.Arguments
}

func orderedCalls(calls map[int]*toolCall) []toolCall {
	idxs := make([]int, 0, len(calls))
	for idx := range calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]toolCall, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, *calls[idx])
	}
	return out
}

// toInvocations decodes tool calls. Undecodable arguments are kept on the
// invocation as ArgsError so the loop can report them as a result.
func toInvocations(calls []toolCall) []agent.Invocation {
	if len(calls) == 0 {
		return nil
	}
	out := make([]agent.Invocation, 0, len(calls))
	for _, tc := range calls {
		inv := agent.Invocation{ID: tc.ID, Name: tc.Function.Name}
		args, err := operation.ParseArgs(tc.Function.Arguments)
		if err != nil {
			inv.ArgsError = err.Error()
		} else {
			inv.Args = args
		}
		out = append(out, inv)
	}
	return out
}

func toChatMessages(history []agent.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, m := range history {
		msg := chatMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case agent.RoleAssistant:
			for _, inv := range m.Invocations {
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					ID:       inv.ID,
					Type:     "function",
					Function: functionCall{Name: inv.Name, Arguments: inv.Args.JSON()},
				})
			}
		case agent.RoleTool:
			msg.ToolCallID = m.CallID
			msg.Name = m.Name
		}
		out = append(out, msg)
	}
	return out
}

func toToolDefs(schemas []operation.Schema) []toolDef {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]toolDef, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, toolDef{
			Type: "function",
			Function: toolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}
