// Package events publishes run lifecycle events to NATS JetStream. The
// publisher is optional: when no NATS URL is configured a no-op publisher
// is used, and publish failures never affect a run.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/model"
)

const (
	// StreamRunEvents is the durable stream capturing run lifecycle events.
	StreamRunEvents = "SENTINEL_EVENTS"
	// SubjectRuns is the wildcard subject hierarchy for run events.
	SubjectRuns = "runs.>"
)

// RunEvent is the envelope published on every run state transition.
type RunEvent struct {
	RunID      string           `json:"run_id"`
	Trigger    model.RunTrigger `json:"trigger"`
	Stage      model.RunStage   `json:"stage"`
	FailReason string           `json:"fail_reason,omitempty"`
	At         time.Time        `json:"at"`
}

// Publisher emits run events. Implementations must be safe for concurrent
// use and must never block a run on broker availability.
type Publisher interface {
	PublishRunEvent(ev RunEvent)
	Close()
}

// Nop discards all events.
type Nop struct{}

func (Nop) PublishRunEvent(RunEvent) {}
func (Nop) Close()                   {}

// NATS publishes run events to JetStream.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATS connects, initialises JetStream, and idempotently provisions the
// run-events stream.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	p := &NATS{conn: nc, js: js, logger: logger}
	if err := p.provisionStream(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return p, nil
}

var _ Publisher = (*NATS)(nil)

func (p *NATS) provisionStream() error {
	_, err := p.js.StreamInfo(StreamRunEvents)
	if err == nil {
		p.logger.Info("NATS stream exists", zap.String("stream", StreamRunEvents))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      StreamRunEvents,
		Subjects:  []string{SubjectRuns},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("NATS stream provisioned", zap.String("stream", StreamRunEvents))
	return nil
}

// PublishRunEvent emits one event under runs.<stage>. Failures are logged
// and swallowed; event delivery is best-effort.
func (p *NATS) PublishRunEvent(ev RunEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("run event marshal failed", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("runs.%s", ev.Stage)
	if _, err := p.js.Publish(subject, payload); err != nil {
		p.logger.Warn("run event publish failed",
			zap.String("subject", subject),
			zap.String("run_id", ev.RunID),
			zap.Error(err),
		)
	}
}

// Close drains the connection so in-flight publishes flush before the
// process exits.
func (p *NATS) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}
