// Package events records what the feeder did: hatch movements, feed level
// changes and confirmed birds.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	TypeHatchClosed   = "hatchClosed"
	TypeHatchOpened   = "hatchOpened"
	TypeFeedLow       = "feedLow"
	TypeFeedOk        = "feedOk"
	TypeBirdConfirmed = "birdConfirmed"
	TypeFeederStopped = "feederStopped"
	TypeFeederRunning = "feederRunning"
)

type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	Time       time.Time              `json:"time"`
	Species    string                 `json:"species,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// New creates an event of eventType that happened at the given time.
func New(eventType string, at time.Time, details map[string]interface{}) Event {
	return Event{
		ID:      uuid.New(),
		Type:    eventType,
		Time:    at,
		Details: details,
	}
}

func (e Event) String() string {
	if e.Species != "" {
		return fmt.Sprintf("%s %s (%.2f)", e.Type, e.Species, e.Confidence)
	}
	return e.Type
}

// Reporter records an event somewhere.
type Reporter interface {
	Report(ctx context.Context, e Event) error
}

// Multi reports to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// addEvent is swapped out in tests.
var addEvent = eventclient.AddEvent

// EventClientReporter queues events with the device's event-reporter service.
type EventClientReporter struct{}

func (EventClientReporter) Report(_ context.Context, e Event) error {
	details := map[string]interface{}{"id": e.ID.String()}
	for k, v := range e.Details {
		details[k] = v
	}
	if e.Species != "" {
		details["species"] = e.Species
		details["confidence"] = e.Confidence
	}
	return addEvent(eventclient.Event{
		Timestamp: e.Time,
		Type:      e.Type,
		Details:   details,
	})
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Subject: "feeder.events",
	}
}

// NATSReporter publishes events as JSON on a NATS subject, one subject per
// event type under the configured prefix.
type NATSReporter struct {
	conn    *nats.Conn
	subject string
	log     *logrus.Logger
}

func NewNATSReporter(conf NATSConfig, log *logrus.Logger) (*NATSReporter, error) {
	if log == nil {
		log = logrus.New()
	}
	conn, err := nats.Connect(conf.URL,
		nats.Name("smart-feeder"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Infof("Publishing events to NATS subject %s.*", conf.Subject)
	return &NATSReporter{conn: conn, subject: conf.Subject, log: log}, nil
}

func (n *NATSReporter) Report(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+e.Type, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains pending publishes and closes the connection.
func (n *NATSReporter) Close() error {
	return n.conn.Drain()
}
