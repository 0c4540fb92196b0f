package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/computex/market-engine/internal/model"
)

// ErrInvalidCompletion is returned by DecodeCompletion.
var ErrInvalidCompletion = errors.New("events: invalid completion signal")

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NATSPublisher publishes each event on "<prefix>.<kind>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(conn *nats.Conn, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish sends one event. NATS publishes are buffered by the client, so
// this does not wait on the server.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Kind, err)
	}
	return nil
}

// SubscribeCompletions forwards completion signals published on subject to
// out. Delivery into out blocks the subscription, which applies
// backpressure to the server instead of dropping signals.
func SubscribeCompletions(ctx context.Context, conn *nats.Conn, subject string, out chan<- model.CompletionSignal, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		sig, err := DecodeCompletion(msg.Data)
		if err != nil {
			logger.Warn("malformed completion signal", "subject", msg.Subject, "err", err)
			return
		}
		select {
		case out <- sig:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// DecodeCompletion parses a completion signal.
func DecodeCompletion(data []byte) (model.CompletionSignal, error) {
	var sig model.CompletionSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidCompletion, err)
	}
	if sig.JobID == "" {
		return sig, fmt.Errorf("%w: job_id is required", ErrInvalidCompletion)
	}
	return sig, nil
}
