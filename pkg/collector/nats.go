package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// clientName identifies listener connections on the server.
const clientName = "respondoor-listener"

// Connect opens a NATS connection that reconnects indefinitely.
func Connect(log logrus.FieldLogger, cfg *config.NATSConfig) (*nats.Conn, error) {
	conn, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("server", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return conn, nil
}

// Subscribe joins the configured queue group on conn. Messages are
// handled on the subscription's goroutine until it is drained.
func (c *Collector) Subscribe(
	ctx context.Context, conn *nats.Conn,
) (*nats.Subscription, error) {
	sub, err := conn.QueueSubscribe(c.cfg.NATS.Subject, c.cfg.NATS.Queue,
		func(msg *nats.Msg) {
			c.HandleMessage(ctx, msg.Data)
		})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", c.cfg.NATS.Subject, err)
	}

	c.log.WithFields(logrus.Fields{
		"subject": c.cfg.NATS.Subject,
		"queue":   c.cfg.NATS.Queue,
	}).Info("Listening for build events")

	return sub, nil
}

// Drain stops delivery, waits for pending events to be handled and closes
// conn. The connection's drain timeout bounds the wait.
func Drain(conn *nats.Conn) error {
	closed := make(chan struct{})
	conn.SetClosedHandler(func(*nats.Conn) { close(closed) })

	if err := conn.Drain(); err != nil {
		return fmt.Errorf("draining nats connection: %w", err)
	}

	<-closed

	return nil
}
