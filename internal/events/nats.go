package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kandev/agentbroker/internal/logging"
	"go.uber.org/zap"
)

// NatsBus fans batches out through a NATS server, for deployments that run
// more than one gateway process in front of the same broker.
type NatsBus struct {
	logger *logging.Logger
	conn   *nats.Conn
}

// DialNats connects to url (e.g. "nats://localhost:4222") and returns a Bus
// backed by that connection.
func DialNats(url string, logger *logging.Logger) (*NatsBus, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NatsBus{
		logger: logger.WithFields(zap.String("component", "events.nats")),
		conn:   conn,
	}, nil
}

// Publish marshals batch as JSON and publishes it to subject.
func (b *NatsBus) Publish(ctx context.Context, subject string, batch Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers handler for subject, which may use NATS's native `*`
// and `>` wildcard syntax directly.
func (b *NatsBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var batch Batch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			b.logger.Warn("dropping malformed batch", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), msg.Subject, batch); err != nil {
			b.logger.Warn("nats handler returned error", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (b *NatsBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }

var _ Bus = (*NatsBus)(nil)
