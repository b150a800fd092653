package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
)

// Publisher is the part of a NATS connection the sink uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink forwards broker events to NATS as JSON on
// <prefix>.<event type>, e.g. spawner.instance.started.
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	sub    Subscriber
	broker *Broker
	done   chan struct{}
	logger zerolog.Logger
}

// ConnectNATS dials url with unlimited reconnects
func ConnectNATS(url string) (*nats.Conn, error) {
	logger := log.WithComponent("events")
	opts := []nats.Option{
		nats.Name("jupyterhub-aws-spawner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.UpdateComponent("nats", false, "disconnected")
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.UpdateComponent("nats", true, "")
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	metrics.RegisterComponent("nats", true, "")
	return nc, nil
}

// NewNATSSink subscribes to broker and publishes through conn
func NewNATSSink(broker *Broker, conn *nats.Conn, prefix string) *NATSSink {
	s := newSink(broker, conn, prefix)
	s.conn = conn
	return s
}

func newSink(broker *Broker, pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "spawner"
	}
	return &NATSSink{
		pub:    pub,
		prefix: prefix,
		sub:    broker.Subscribe(),
		broker: broker,
		done:   make(chan struct{}),
		logger: log.WithComponent("events"),
	}
}

// Start forwards events until Stop
func (s *NATSSink) Start() {
	go func() {
		defer close(s.done)
		for event := range s.sub {
			s.forward(event)
		}
	}()
}

// Stop unsubscribes, waits for the forwarder and drains the connection
func (s *NATSSink) Stop() {
	s.broker.Unsubscribe(s.sub)
	<-s.done
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}

// Subject returns the subject an event type is published on
func (s *NATSSink) Subject(t EventType) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) forward(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}
	if err := s.pub.Publish(s.Subject(event.Type), data); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to publish event")
	}
}
