// Package natsbus publishes notifications to NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

// Config holds connection settings for the bus.
type Config struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Token         string        `koanf:"token"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "mindtriage"

// Subject returns the subject a notification of the given kind is sent to.
func Subject(prefix string, kind model.NotificationKind) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(kind)
}

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Publisher sends notifications as JSON over a NATS connection.
type Publisher struct {
	conn   conn
	prefix string
	logger logger.Logger
}

// Connect dials the server described by cfg.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	log := logger.Get().Named("natsbus")

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("mindtriage"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(ctx, "nats disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(ctx, "nats reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newPublisher(nc, cfg.SubjectPrefix, log), nil
}

func newPublisher(c conn, prefix string, log logger.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: c, prefix: prefix, logger: log}
}

// Publish marshals n and sends it to its subject.
func (p *Publisher) Publish(ctx context.Context, n model.Notification) error { //nolint:gocritic // hugeParam
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := Subject(p.prefix, n.Kind)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug(ctx, "notification published",
		logger.String("subject", subject),
		logger.String("notification_id", n.ID),
	)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// LogPublisher writes notifications to the log instead of a broker. It is
// used when no NATS URL is configured.
type LogPublisher struct {
	prefix string
	logger logger.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(prefix string) *LogPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &LogPublisher{prefix: prefix, logger: logger.Get().Named("notifications")}
}

// Publish logs n.
func (p *LogPublisher) Publish(ctx context.Context, n model.Notification) error { //nolint:gocritic // hugeParam
	fields := []logger.Field{
		logger.String("subject", Subject(p.prefix, n.Kind)),
		logger.String("notification_id", n.ID),
		logger.String("user_id", n.UserID),
		logger.String("entry_id", n.EntryID),
	}
	if n.Crisis != nil {
		fields = append(fields, logger.String("event_id", n.Crisis.ID))
	}
	if n.Baseline != nil {
		fields = append(fields, logger.Bool("drift", n.Baseline.DriftFlag), logger.String("status", string(n.Baseline.Status)))
	}
	p.logger.Info(ctx, "notification", fields...)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
