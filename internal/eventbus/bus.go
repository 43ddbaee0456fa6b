package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATS subjects carrying mirrored fleet events.
const (
	SubjectTransitions = "fleet.transitions"
	SubjectAlerts      = "fleet.alerts"
	SubjectStats       = "fleet.stats"
)

// Bus mirrors fleet events onto NATS so external consumers can follow
// the fleet without holding a WebSocket session. Publishing is fire and
// forget. A nil *Bus is valid and drops everything, which is how the
// coordinator runs when no NATS URL is configured.
type Bus struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// Connect dials the NATS server. An empty URL disables the bus and
// returns (nil, nil).
func Connect(url string, log *logrus.Entry) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, err := nats.Connect(url,
		nats.Name("meshwatch-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	log = log.WithField("component", "eventbus")
	log.WithField("url", url).Info("Connected to NATS")
	return &Bus{conn: conn, log: log}, nil
}

// Publish sends one JSON-encoded event. Failures are logged, never
// propagated: the bus is a mirror, not a dependency.
func (b *Bus) Publish(subject string, v any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.log.WithField("subject", subject).WithError(err).Error("Failed to encode event")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.WithField("subject", subject).WithError(err).Warn("Failed to publish event")
	}
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
