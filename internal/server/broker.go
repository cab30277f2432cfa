package server

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// Delivery is one envelope routed to a chat room, or to every session when
// ChatID is zero.
type Delivery struct {
	ChatID   uint              `json:"chatId,omitempty"`
	Envelope protocol.Envelope `json:"envelope"`
}

// Broker fans deliveries out to every server node, including the sender.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(handler func(Delivery)) error
	Close() error
}

// LocalBroker delivers in-process. It serves single-node deployments.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []func(Delivery)
}

// NewLocalBroker returns an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	handlers := slices.Clone(b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(d)
	}
	return nil
}

func (b *LocalBroker) Subscribe(handler func(Delivery)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *LocalBroker) Close() error { return nil }

// NATSBroker publishes deliveries on a NATS subject so that sessions
// connected to other nodes receive them too.
type NATSBroker struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBroker connects to url. Reconnects are handled by the NATS client.
func NewNATSBroker(url, subject string, logger *zap.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("resichat-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATSBroker{nc: nc, subject: subject, logger: logger}, nil
}

func (b *NATSBroker) Publish(_ context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal delivery")
	}
	return errors.Wrap(b.nc.Publish(b.subject, data), "publish delivery")
}

func (b *NATSBroker) Subscribe(handler func(Delivery)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Warn("dropping malformed delivery", zap.Error(err))
			return
		}
		handler(d)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe deliveries")
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}
