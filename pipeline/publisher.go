package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used to publish stage events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every stage event as JSON to
// <prefix>.<run id>.<stage>.<event type>. Publish failures are logged and
// never affect the run.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink creates a sink publishing under prefix.
func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", s.prefix, ev.RunID, ev.Stage, ev.Type)
}

// Emit publishes ev.
func (s *NATSSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode stage event", "run_id", ev.RunID, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(ev), data); err != nil {
		s.logger.Warn("Failed to publish stage event",
			"run_id", ev.RunID,
			"stage", ev.Stage,
			"error", err)
	}
}

// ConnectNATS connects to the event bus used by NATSSink.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("localcoder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
