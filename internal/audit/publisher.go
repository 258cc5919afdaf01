// Package audit publishes decisions on mutating operations to an MQTT broker.
package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/ashureev/clusterchat/internal/agent"
)

const defaultQueueSize = 256

// Config controls the MQTT connection.
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QueueSize   int
}

// Event is the JSON payload published for each decision.
type Event struct {
	SessionID     string         `json:"session_id"`
	Operation     string         `json:"operation"`
	Args          map[string]any `json:"args"`
	CorrelationID string         `json:"correlation_id"`
	CallID        string         `json:"call_id,omitempty"`
	Outcome       string         `json:"outcome"`
	Allowed       bool           `json:"allowed"`
	Output        string         `json:"output,omitempty"`
	At            time.Time      `json:"at"`
}

// publishFunc sends one message. It is the autopaho connection in production.
type publishFunc func(ctx context.Context, topic string, payload []byte) error

type message struct {
	topic   string
	payload []byte
}

// Publisher is an agent.Observer that forwards mutating invocation
// decisions to MQTT without blocking the agent loop.
type Publisher struct {
	cfg     Config
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	publish publishFunc
	queue   chan message
	done    chan struct{}
}

var _ agent.Observer = (*Publisher)(nil)

// New creates a publisher. Call Start to connect.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "clusterchat"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "clusterchat-" + uuid.NewString()[:8]
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start connects to the broker and runs the publish loop in the
// background until ctx is cancelled. A broker that is not reachable yet is
// retried by autopaho; Start only fails on bad configuration.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt audit connected", "broker", p.cfg.Broker)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt audit connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.publish = func(ctx context.Context, topic string, payload []byte) error {
		_, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1})
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt audit initial connection timed out, will retry in background", "error", err)
	}

	go p.run(ctx)
	return nil
}

// Stop waits for the publish loop to drain and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return p.cm.Disconnect(ctx)
}

// ObserveInvocation queues an event for mutating invocations. It never blocks;
// when the queue is full the event is dropped with a warning.
func (p *Publisher) ObserveInvocation(_ context.Context, rec agent.InvocationRecord) {
	if !rec.Mutating {
		return
	}
	ev := newEvent(rec)
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("mqtt audit marshal failed", "operation", ev.Operation, "error", err)
		return
	}
	msg := message{topic: p.topic(ev.Operation), payload: payload}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("mqtt audit queue full, dropping event",
			"operation", ev.Operation, "session_id", ev.SessionID)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.send(ctx, msg)
		}
	}
}

// drain flushes what is already queued using a short independent deadline.
func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.send(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg message) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.publish(pubCtx, msg.topic, msg.payload); err != nil {
		p.logger.Warn("mqtt audit publish failed", "topic", msg.topic, "error", err)
	}
}

func (p *Publisher) topic(operation string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/invocations/" + operation
}

func newEvent(rec agent.InvocationRecord) Event {
	ev := Event{
		SessionID:     rec.SessionID,
		Operation:     rec.Invocation.Name,
		Args:          map[string]any(rec.Invocation.Args),
		CorrelationID: uuid.NewString(),
		CallID:        rec.Invocation.ID,
		Allowed:       rec.Allowed,
		At:            rec.At,
	}
	if ev.Args == nil {
		ev.Args = map[string]any{}
	}
	switch {
	case !rec.Allowed:
		ev.Outcome = "awaiting_confirmation"
	case rec.Result.Status == agent.StatusError:
		ev.Outcome = "error"
		ev.Output = rec.Result.Output
	default:
		ev.Outcome = "executed"
		ev.Output = rec.Result.Output
	}
	return ev
}
