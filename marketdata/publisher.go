package marketdata

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSPublisher mirrors every flushed store onto a NATS subject so readers
// on other hosts can follow the same snapshots.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. The connection reconnects forever.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = "polymaker.snapshots"
	}
	nc, err := nats.Connect(url,
		nats.Name("polymaker-aggregator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", url).Str("subject", subject).Msg("📣 Publishing snapshots to NATS")
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Publish sends one store payload.
func (p *NATSPublisher) Publish(data []byte) error {
	return p.nc.Publish(p.subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
