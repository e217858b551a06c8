package events

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/uranusdex/settlement/pkg/perps"
)

// Publisher streams lifecycle events to NATS subjects as JSON.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// NewPublisher connects to a NATS server.
func NewPublisher(url string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("uranus-settlement"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to NATS", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// Publish implements perps.EventSink. Failures are logged, never propagated:
// event delivery is best-effort and must not affect settlement.
func (p *Publisher) Publish(subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Multi fans one event out to several sinks.
type Multi []perps.EventSink

func (m Multi) Publish(subject string, event any) {
	for _, sink := range m {
		sink.Publish(subject, event)
	}
}
