// Package natsmirror optionally republishes every event the Pub/Sub Hub
// broadcasts onto a NATS subject, for out-of-process observers. It is
// best-effort: a NATS outage degrades to dropped mirror publishes, never
// to a failure of the in-process Hub itself.
package natsmirror

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kandev/agentsupervisor/internal/common/config"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// Mirror republishes AgentEvents onto NATS subjects scoped by session.
type Mirror struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logger.Logger
}

// Connect dials the configured NATS server. Returns (nil, nil) if the
// mirror is disabled in config, so callers can unconditionally defer
// Close without a nil check on the disabled path.
func Connect(cfg config.NATSConfig, enabled bool, subjectPrefix string, log *logger.Logger) (*Mirror, error) {
	if !enabled {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return &Mirror{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        log.WithFields(zap.String("component", "nats-mirror")),
	}, nil
}

// Close drains and closes the NATS connection. Safe to call on a nil
// Mirror (the disabled case).
func (m *Mirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("NATS drain failed", zap.Error(err))
	}
}

// Publish best-effort republishes evt onto
// "<prefix>.<sessionId>". A publish error is logged and swallowed: a
// NATS hiccup must never affect the durable event log or in-process
// subscribers, only this optional mirror.
func (m *Mirror) Publish(evt events.AgentEvent) {
	if m == nil || m.conn == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s", m.subjectPrefix, evt.SessionID)
	data, err := json.Marshal(evt)
	if err != nil {
		m.logger.Warn("failed to marshal event for NATS mirror", zap.Error(err))
		return
	}
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("NATS publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
