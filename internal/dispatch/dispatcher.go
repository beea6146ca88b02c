package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/edgecmd/internal/bus"
	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/events"
	"github.com/mattjoyce/edgecmd/internal/execute"
	"github.com/mattjoyce/edgecmd/internal/history"
	"github.com/mattjoyce/edgecmd/internal/log"
	"github.com/mattjoyce/edgecmd/internal/protocol"
	"github.com/mattjoyce/edgecmd/internal/router"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/edgecmd/internal/dispatch Publisher,Recorder

// ErrSSHDisabled is reported for useSsh requests when SSH execution is off.
var ErrSSHDisabled = errors.New("ssh execution is disabled")

// Publisher sends encoded responses. bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Recorder persists processed requests.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// LocalRunner executes a command line on this host.
type LocalRunner interface {
	Run(ctx context.Context, command string) execute.Outcome
}

// RemoteRunner executes a command line over SSH.
type RemoteRunner interface {
	Run(ctx context.Context, target execute.SSHTarget, command string) execute.Outcome
}

// Result is the outcome of processing one payload.
type Result struct {
	Envelope *protocol.Envelope
	Shape    protocol.Shape
	Commands int
	Failed   int
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Processed     uint64    `json:"messages_processed"`
	Dropped       uint64    `json:"messages_dropped"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
}

// Dispatcher decodes requests, runs their commands and publishes responses.
type Dispatcher struct {
	cfg      config.DispatchConfig
	gate     router.Gate
	pub      Publisher
	local    LocalRunner
	remote   RemoteRunner
	recorder Recorder
	hub      *events.Hub
	logger   *slog.Logger

	processed   atomic.Uint64
	dropped     atomic.Uint64
	lastMessage atomic.Int64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder stores every processed request.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithEvents publishes request.processed / request.dropped events to h.
func WithEvents(h *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

// WithLocalRunner replaces the shell runner built from config.
func WithLocalRunner(r LocalRunner) Option {
	return func(d *Dispatcher) { d.local = r }
}

// WithRemoteRunner replaces the SSH runner built from config. A nil runner
// disables SSH execution.
func WithRemoteRunner(r RemoteRunner) Option {
	return func(d *Dispatcher) { d.remote = r }
}

// New creates a Dispatcher. gate filters inbound topics and chooses response
// topics; pub receives the encoded envelopes.
func New(cfg config.DispatchConfig, sshCfg config.SSHConfig, gate router.Gate, pub Publisher, opts ...Option) *Dispatcher {
	logger := log.WithComponent("dispatch")

	d := &Dispatcher{
		cfg:    cfg,
		gate:   gate,
		pub:    pub,
		logger: logger,
		local: &execute.ShellRunner{
			Shell:          cfg.Shell,
			ArgvMode:       cfg.ArgvMode,
			Timeout:        cfg.Timeout,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Merged:         cfg.Output == config.OutputMerged,
			Logger:         log.WithComponent("execute"),
		},
	}
	if sshCfg.Enabled {
		d.remote = &execute.SSHRunner{
			KnownHostsFile: sshCfg.KnownHostsFile,
			DialTimeout:    sshCfg.DialTimeout,
			Timeout:        cfg.Timeout,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Logger:         log.WithComponent("execute.ssh"),
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the dispatch loop. Messages are handled one at a time in
// arrival order. It blocks until ctx is cancelled or msgs is closed.
func (d *Dispatcher) Start(ctx context.Context, msgs <-chan bus.Message) error {
	d.logger.Info("dispatch loop started", "mode", d.cfg.Mode, "output", d.cfg.Output)
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.Handle(ctx, msg)
		}
	}
}

// Handle processes one inbound message end to end. Every failure is logged
// and absorbed so the loop keeps running.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) {
	if !d.gate.Accepts(msg.Topic) {
		d.logger.Debug("ignoring message on unsubscribed topic", "topic", msg.Topic)
		return
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	d.lastMessage.Store(receivedAt.UnixNano())

	messageID := uuid.NewString()
	logger := log.WithMessage(messageID, msg.Topic)
	logger.Info("request received", "bytes", len(msg.Payload))
	logger.Debug("request payload", "payload", string(protocol.Redacted(msg.Payload)))

	res, err := d.process(ctx, msg.Payload, logger)
	if err != nil {
		d.dropped.Add(1)
		logger.Warn("dropping undecodable request", "error", err)
		d.hub.Publish(events.TypeRequestDropped, events.RequestDropped{
			MessageID: messageID,
			Topic:     msg.Topic,
			Error:     err.Error(),
		})
		return
	}

	body, err := protocol.Encode(res.Envelope)
	if err != nil {
		d.dropped.Add(1)
		logger.Error("failed to encode response", "error", err)
		return
	}

	responseTopic := d.gate.ResponseTopic(msg.Topic)
	published := true
	if err := d.pub.Publish(responseTopic, body); err != nil {
		published = false
		logger.Error("failed to publish response", "response_topic", responseTopic, "error", err)
	} else {
		logger.Info("response published",
			"response_topic", responseTopic,
			"shape", res.Shape.String(),
			"commands", res.Commands,
			"failed", res.Failed,
		)
	}
	d.processed.Add(1)
	completedAt := time.Now().UTC()

	if d.recorder != nil {
		entry := history.Entry{
			ID:            messageID,
			Topic:         msg.Topic,
			ResponseTopic: responseTopic,
			Shape:         res.Shape.String(),
			Request:       res.Envelope.Request,
			Response:      responseJSON(body),
			Commands:      res.Commands,
			Failed:        res.Failed,
			ReceivedAt:    receivedAt,
			CompletedAt:   completedAt,
		}
		if err := d.recorder.Record(ctx, entry); err != nil {
			logger.Error("failed to record history", "error", err)
		}
	}

	d.hub.Publish(events.TypeRequestProcessed, events.RequestProcessed{
		MessageID:     messageID,
		Topic:         msg.Topic,
		ResponseTopic: responseTopic,
		Shape:         res.Shape.String(),
		Commands:      res.Commands,
		Failed:        res.Failed,
		DurationMS:    completedAt.Sub(receivedAt).Milliseconds(),
		Published:     published,
	})
}

// Process decodes payload and runs its commands without publishing.
// A non-nil error means the payload was undecodable and nothing ran.
func (d *Dispatcher) Process(ctx context.Context, payload []byte) (*Result, error) {
	return d.process(ctx, payload, d.logger)
}

func (d *Dispatcher) process(ctx context.Context, payload []byte, logger *slog.Logger) (*Result, error) {
	p, err := protocol.Decode(payload, d.cfg.Mode == config.ModeBatch)
	if err != nil {
		return nil, err
	}

	results := make([]protocol.CommandResult, len(p.Items))
	failed := 0
	for i, item := range p.Items {
		if item.Err != nil {
			logger.Warn("invalid request item", "index", i, "error", item.Err)
			results[i] = errorResult(d.cfg.Output, itemError(i, item.Err))
			failed++
			continue
		}

		outcome := d.run(ctx, item.Request, logger.With("index", i))
		results[i] = shapeResult(d.cfg.Output, outcome)
		if results[i].Error {
			failed++
		}
	}

	env, err := protocol.NewEnvelope(p, results)
	if err != nil {
		return nil, err
	}
	return &Result{Envelope: env, Shape: p.Shape, Commands: len(p.Items), Failed: failed}, nil
}

func (d *Dispatcher) run(ctx context.Context, req protocol.CommandRequest, logger *slog.Logger) execute.Outcome {
	if err := ctx.Err(); err != nil {
		return execute.Outcome{Status: execute.StatusCanceled, ExitCode: -1, Err: fmt.Errorf("command canceled: %w", err)}
	}

	var out execute.Outcome
	if req.UseSSH {
		if d.remote == nil {
			return execute.Outcome{Status: execute.StatusLaunchFailed, ExitCode: -1, Err: ErrSSHDisabled}
		}
		out = d.remote.Run(ctx, execute.SSHTarget{
			Host:     req.SSHHost,
			User:     req.SSHUser,
			Password: req.SSHPassword,
		}, req.Command)
	} else {
		out = d.local.Run(ctx, req.Command)
	}

	logger.Info("command finished",
		"ssh", req.UseSSH,
		"status", out.Status.String(),
		"exit_code", out.ExitCode,
		"duration", out.Duration,
	)
	return out
}

// itemError describes a batch element that could not be decoded.
func itemError(i int, err error) string {
	if errors.Is(err, protocol.ErrMissingCommand) || errors.Is(err, protocol.ErrNotObject) {
		return fmt.Sprintf("command not found in request item %d", i)
	}
	return err.Error()
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Processed: d.processed.Load(),
		Dropped:   d.dropped.Load(),
	}
	if ns := d.lastMessage.Load(); ns > 0 {
		s.LastMessageAt = time.Unix(0, ns).UTC()
	}
	return s
}

// responseJSON extracts the response half of an encoded envelope.
func responseJSON(body []byte) json.RawMessage {
	var env struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Response == nil {
		return json.RawMessage("null")
	}
	return env.Response
}
