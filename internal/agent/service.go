package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/ashureev/clusterchat/internal/store"
	"github.com/google/uuid"
)

// MaxMessageLength bounds a single user message in bytes.
const MaxMessageLength = 16 << 10

// ErrInvalidRequest marks input rejected before the loop starts.
var ErrInvalidRequest = errors.New("invalid request")

const persistTimeout = 10 * time.Second

// ChatInput is a chat request.
type ChatInput struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// IncludeTrace returns invocation details with the answer.
	IncludeTrace bool `json:"include_trace,omitempty"`
	// EnableToolResponse is accepted as an alias of IncludeTrace.
	EnableToolResponse bool `json:"enable_tool_response,omitempty"`

	Channel   string `json:"-"`
	RequestID string `json:"-"`
}

func (in ChatInput) wantTrace() bool {
	return in.IncludeTrace || in.EnableToolResponse
}

// ToolInfo names an operation the agent called and its JSON arguments.
type ToolInfo struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

// ToolResponse is the textual result of one operation call.
type ToolResponse struct {
	Name     string `json:"name"`
	Response string `json:"response"`
}

// ChatOutput is the buffered chat response.
type ChatOutput struct {
	SessionID    string         `json:"session_id"`
	Response     string         `json:"response"`
	ToolsInfo    []ToolInfo     `json:"tools_info,omitempty"`
	ToolResponse []ToolResponse `json:"tool_response,omitempty"`
	Trace        []TraceEntry   `json:"trace,omitempty"`
}

// StreamEventType names a streamed chat event.
type StreamEventType string

const (
	StreamSession    StreamEventType = "session"
	StreamMessage    StreamEventType = "message"
	StreamToolCall   StreamEventType = "tool_call"
	StreamToolResult StreamEventType = "tool_result"
	StreamDone       StreamEventType = "done"
)

// StreamEvent is one element of a streamed chat response.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	Invocation *Invocation     `json:"invocation,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	Turn       *TurnResult     `json:"turn,omitempty"`
}

// Service delivers agent turns in buffered or streamed form and owns
// persistence of completed turns.
type Service struct {
	loop  *Loop
	repo  store.Repository
	log   ConversationLogger
	newID func() string
}

// NewService creates the delivery adapter.
func NewService(loop *Loop, repo store.Repository, log ConversationLogger) *Service {
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Service{
		loop:  loop,
		repo:  repo,
		log:   log,
		newID: uuid.NewString,
	}
}

// Loop exposes the underlying agent loop.
func (s *Service) Loop() *Loop { return s.loop }

// Close releases the conversation logger.
func (s *Service) Close() error {
	return s.log.Close()
}

// prepare validates input and resolves the session id, generating one when absent.
func (s *Service) prepare(in ChatInput) (string, error) {
	if strings.TrimSpace(in.Message) == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if len(in.Message) > MaxMessageLength {
		return "", fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidRequest, MaxMessageLength)
	}
	if in.SessionID == "" {
		return s.newID(), nil
	}
	if !domain.ValidSessionID(in.SessionID) {
		return "", fmt.Errorf("%w: invalid session_id", ErrInvalidRequest)
	}
	return in.SessionID, nil
}

// Chat runs one buffered turn.
func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	sessionID, err := s.prepare(in)
	if err != nil {
		return nil, err
	}
	ctx = identity.WithSessionID(ctx, sessionID)

	history, err := s.repo.ReadTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	s.logUserMessage(ctx, in, sessionID)

	res, err := s.loop.RunTurn(ctx, history, in.Message)
	if err != nil {
		s.logAssistantMessage(ctx, in, sessionID, "", 0, err)
		return nil, err
	}
	s.logTrace(ctx, in, sessionID, res.Trace)

	if err := s.persist(ctx, sessionID, in.Message, res.Text); err != nil {
		return nil, err
	}
	s.logAssistantMessage(ctx, in, sessionID, res.Text, 1, nil)

	out := &ChatOutput{SessionID: sessionID, Response: res.Text}
	if in.wantTrace() {
		out.Trace = res.Trace
		for _, e := range res.Trace {
			out.ToolsInfo = append(out.ToolsInfo, ToolInfo{Name: e.Invocation.Name, Args: e.Invocation.Args.JSON()})
			out.ToolResponse = append(out.ToolResponse, ToolResponse{Name: e.Invocation.Name, Response: e.Result.Output})
		}
	}
	return out, nil
}

// Stream validates input and returns the session id together with the event
// sequence of one turn. The sequence starts with a session event, then text
// fragments interleaved with invocation events, and ends with a done event or
// an error. The completed turn is persisted before the done event is yielded;
// if the consumer stops early nothing is persisted.
func (s *Service) Stream(ctx context.Context, in ChatInput) (string, iter.Seq2[StreamEvent, error], error) {
	sessionID, err := s.prepare(in)
	if err != nil {
		return "", nil, err
	}
	ctx = identity.WithSessionID(ctx, sessionID)

	seq := func(yield func(StreamEvent, error) bool) {
		if !yield(StreamEvent{Type: StreamSession, SessionID: sessionID}, nil) {
			return
		}

		history, err := s.repo.ReadTurns(ctx, sessionID)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("read history: %w", err))
			return
		}
		s.logUserMessage(ctx, in, sessionID)

		var text strings.Builder
		chunks := 0
		for ev, err := range s.loop.StreamTurn(ctx, history, in.Message) {
			if err != nil {
				s.logAssistantMessage(ctx, in, sessionID, text.String(), chunks, err)
				yield(StreamEvent{}, err)
				return
			}

			var out StreamEvent
			switch ev.Kind {
			case EventFragment:
				chunks++
				text.WriteString(ev.Text)
				out = StreamEvent{Type: StreamMessage, Content: ev.Text}
			case EventInvocation:
				s.logInvocation(ctx, in, sessionID, *ev.Invocation)
				out = StreamEvent{Type: StreamToolCall, Invocation: ev.Invocation}
			case EventResult:
				s.logResult(ctx, in, sessionID, *ev.Result)
				out = StreamEvent{Type: StreamToolResult, Result: ev.Result}
			case EventDone:
				if err := s.persist(ctx, sessionID, in.Message, ev.Turn.Text); err != nil {
					s.logAssistantMessage(ctx, in, sessionID, text.String(), chunks, err)
					yield(StreamEvent{}, err)
					return
				}
				s.logAssistantMessage(ctx, in, sessionID, ev.Turn.Text, chunks, nil)
				out = StreamEvent{Type: StreamDone, SessionID: sessionID, Turn: ev.Turn}
			default:
				continue
			}
			if !yield(out, nil) {
				if ev.Kind != EventDone {
					slog.Info("Stream consumer went away, turn abandoned", "session_id", sessionID)
					s.logAssistantMessage(ctx, in, sessionID, text.String(), chunks, context.Canceled)
				}
				return
			}
		}
	}
	return sessionID, seq, nil
}

// persist appends the user and assistant turns in one transaction. The write
// is detached from request cancellation so a completed turn is not half-stored.
func (s *Service) persist(ctx context.Context, sessionID, userMessage, answer string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, err := s.repo.AppendTurns(ctx, sessionID,
		domain.Turn{Role: domain.RoleUser, Content: userMessage},
		domain.Turn{Role: domain.RoleAssistant, Content: answer},
	)
	if err != nil {
		slog.Error("Failed to persist turn", "session_id", sessionID, "error", err)
		return fmt.Errorf("persist turn: %w", err)
	}
	return nil
}

func (s *Service) event(ctx context.Context, in ChatInput, sessionID, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if in.RequestID != "" {
		meta["request_id"] = in.RequestID
	}
	channel := in.Channel
	if channel == "" {
		channel = "chat_http"
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Principal:  string(identity.PrincipalFromContext(ctx)),
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

func (s *Service) logUserMessage(ctx context.Context, in ChatInput, sessionID string) {
	slog.Info("Agent chat request",
		"session_id", sessionID,
		"channel", in.Channel,
		"message_length", len(in.Message),
	)
	s.event(ctx, in, sessionID, "outbound", "chat_user_message", in.Message, nil)
}

func (s *Service) logInvocation(ctx context.Context, in ChatInput, sessionID string, inv Invocation) {
	s.event(ctx, in, sessionID, "inbound", "chat_tool_call", inv.Args.JSON(), map[string]any{
		"operation": inv.Name,
		"call_id":   inv.ID,
	})
}

func (s *Service) logResult(ctx context.Context, in ChatInput, sessionID string, res Result) {
	s.event(ctx, in, sessionID, "inbound", "chat_tool_result", res.Output, map[string]any{
		"operation": res.Operation,
		"call_id":   res.CallID,
		"status":    string(res.Status),
	})
}

func (s *Service) logTrace(ctx context.Context, in ChatInput, sessionID string, trace []TraceEntry) {
	for _, e := range trace {
		s.logInvocation(ctx, in, sessionID, e.Invocation)
		s.logResult(ctx, in, sessionID, e.Result)
	}
}

func (s *Service) logAssistantMessage(ctx context.Context, in ChatInput, sessionID, content string, chunks int, err error) {
	meta := map[string]any{
		"stream_chunks": chunks,
		"partial":       err != nil,
	}
	if err != nil {
		meta["stream_error"] = err.Error()
	}
	s.event(ctx, in, sessionID, "inbound", "chat_assistant_message", content, meta)
}
