package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/clusterchat/internal/agent"
	"github.com/ashureev/clusterchat/internal/operation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service a remote oracle exposes.
const ServiceName = "clusterchat.oracle.v1.Oracle"

const (
	proposeMethod       = "/" + ServiceName + "/Propose"
	proposeStreamMethod = "/" + ServiceName + "/ProposeStream"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcConfig holds configuration for the gRPC oracle client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig() GrpcConfig {
	return GrpcConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Grpc is a Reasoning Oracle served by a remote process. Messages are
// structpb.Struct values so no generated stubs are needed on either side.
type Grpc struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

var _ agent.Oracle = (*Grpc)(nil)

// NewGrpc connects to a remote oracle and waits until the channel is ready.
func NewGrpc(cfg GrpcConfig, logger *slog.Logger) (*Grpc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad oracle endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("oracle at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote oracle", "address", cfg.Address)

	return &Grpc{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *Grpc) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Propose calls the unary Propose method.
func (g *Grpc) Propose(ctx context.Context, history []agent.Message, tools []operation.Schema) (agent.Step, error) {
	req, err := encodeRequest(history, tools)
	if err != nil {
		return agent.Step{}, err
	}
	var resp structpb.Struct
	if err := g.conn.Invoke(ctx, proposeMethod, req, &resp); err != nil {
		return agent.Step{}, fmt.Errorf("propose failed: %w", err)
	}
	var wire wireStep
	if err := fromStruct(&resp, &wire); err != nil {
		return agent.Step{}, err
	}
	step := wire.toStep()
	if strings.TrimSpace(step.Text) == "" && step.Final() {
		return agent.Step{}, errEmptyReply
	}
	return step, nil
}

// ProposeStream calls the server-streaming ProposeStream method. Each
// message carries either a fragment or the final step.
func (g *Grpc) ProposeStream(ctx context.Context, history []agent.Message, tools []operation.Schema) iter.Seq2[agent.OracleChunk, error] {
	return func(yield func(agent.OracleChunk, error) bool) {
		req, err := encodeRequest(history, tools)
		if err != nil {
			yield(agent.OracleChunk{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := g.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "ProposeStream", ServerStreams: true}, proposeStreamMethod)
		if err != nil {
			yield(agent.OracleChunk{}, fmt.Errorf("propose stream failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(agent.OracleChunk{}, fmt.Errorf("propose stream send: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(agent.OracleChunk{}, fmt.Errorf("propose stream close send: %w", err))
			return
		}

		var text strings.Builder
		for {
			var msg structpb.Struct
			err := stream.RecvMsg(&msg)
			if errors.Is(err, io.EOF) {
				if strings.TrimSpace(text.String()) == "" {
					yield(agent.OracleChunk{}, errEmptyReply)
				}
				return
			}
			if err != nil {
				yield(agent.OracleChunk{}, fmt.Errorf("propose stream error: %w", err))
				return
			}
			var chunk wireChunk
			if err := fromStruct(&msg, &chunk); err != nil {
				yield(agent.OracleChunk{}, err)
				return
			}
			text.WriteString(chunk.Fragment)
			out := agent.OracleChunk{Fragment: chunk.Fragment}
			if chunk.Step != nil {
				step := chunk.Step.toStep()
				if strings.TrimSpace(text.String()+step.Text) == "" && step.Final() {
					yield(agent.OracleChunk{}, errEmptyReply)
					return
				}
				out.Step = &step
			}
			if !yield(out, nil) {
				return
			}
			if out.Step != nil {
				return
			}
		}
	}
}

// Ping uses the standard gRPC health service.
func (g *Grpc) Ping(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("oracle at %s is %s", g.addr, resp.GetStatus())
	}
	return nil
}

type wireRequest struct {
	History []agent.Message    `json:"history"`
	Tools   []operation.Schema `json:"tools"`
}

type wireInvocation struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args operation.Args `json:"args,omitempty"`
}

type wireStep struct {
	Text        string           `json:"text,omitempty"`
	Invocations []wireInvocation `json:"invocations,omitempty"`
}

func (w wireStep) toStep() agent.Step {
	step := agent.Step{Text: w.Text}
	for _, inv := range w.Invocations {
		args := inv.Args
		if args == nil {
			args = operation.Args{}
		}
		step.Invocations = append(step.Invocations, agent.Invocation{ID: inv.ID, Name: inv.Name, Args: args})
	}
	return step
}

func stepToWire(step agent.Step) wireStep {
	w := wireStep{Text: step.Text}
	for _, inv := range step.Invocations {
		w.Invocations = append(w.Invocations, wireInvocation{ID: inv.ID, Name: inv.Name, Args: inv.Args})
	}
	return w
}

type wireChunk struct {
	Fragment string    `json:"fragment,omitempty"`
	Step     *wireStep `json:"step,omitempty"`
}

func encodeRequest(history []agent.Message, tools []operation.Schema) (*structpb.Struct, error) {
	return toStruct(wireRequest{History: history, Tools: tools})
}

// toStruct converts a JSON-tagged value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal oracle message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal oracle message: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode oracle message: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode oracle message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode oracle message: %w", err)
	}
	return nil
}
