package websocket

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubject = "lims.events"

// NATSRelay fans events out to every server instance over a NATS subject.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	bus     *Bus
	logger  zerolog.Logger
}

// ConnectNATS dials the NATS server and keeps reconnecting for the life of
// the process.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("lims-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSRelay(conn *nats.Conn, subject string, bus *Bus, logger zerolog.Logger) *NATSRelay {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSRelay{conn: conn, subject: subject, bus: bus, logger: logger}
}

func (r *NATSRelay) Forward(data []byte) error {
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", r.subject, err)
	}
	return nil
}

// Run subscribes to the subject and feeds received events to the bus until
// ctx is cancelled.
func (r *NATSRelay) Run(ctx context.Context) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		r.bus.Receive(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", r.subject, err)
	}
	r.bus.SetRelay(r)
	r.logger.Info().Str("subject", r.subject).Msg("event relay started")

	<-ctx.Done()

	r.bus.SetRelay(nil)
	if err := sub.Unsubscribe(); err != nil {
		r.logger.Warn().Err(err).Msg("unsubscribe event relay")
	}
	return nil
}
