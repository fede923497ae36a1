// Package consumer ingests tracker activities and planned workouts from Kafka.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/apdarr/lace/internal/logger"
)

// Reader is the subset of *kafka.Reader the processor drives.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithRetryBackoff sets the pause after a fetch error or a transient handler failure.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Processor) { p.backoff = d }
}

// Processor fetches records one at a time and commits each once it is settled. A record is
// settled when the handler accepts it or when retrying it cannot help: it is undecodable or the
// handler rejects it as permanently invalid. A transient handler failure is retried in place,
// after the backoff, before the next record is fetched; committing a later offset would
// otherwise acknowledge the failed one too.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *logger.Logger
	backoff time.Duration
}

// NewProcessor constructs a Processor with a 500ms fetch backoff.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{reader: reader, handler: handler, logger: logger.Nop(), backoff: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled or the reader reports cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		record, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Warn("fetch failed", "error", err)
			p.pause(ctx)
			continue
		}

		msg, result := p.process(ctx, record)
		for result == resultRetry {
			recordResult(record.Topic, msg.EventType, result)
			if !p.pause(ctx) {
				return ctx.Err()
			}
			msg, result = p.process(ctx, record)
		}
		recordResult(record.Topic, msg.EventType, result)
		if err := p.reader.CommitMessages(ctx, record); err != nil {
			p.logger.Error("commit failed", "topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
			continue
		}
		if result == resultHandled && !msg.Timestamp.IsZero() {
			lagGauge.WithLabelValues(record.Topic).Set(time.Since(msg.Timestamp).Seconds())
		}
	}
	return ctx.Err()
}

func (p *Processor) process(ctx context.Context, record kafka.Message) (Message, string) {
	msg, err := decode(record)
	if err != nil {
		p.logger.Error("undecodable record", "topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
		return msg, resultUndecodable
	}

	err = p.handler.Handle(ctx, msg)
	switch {
	case err == nil:
		return msg, resultHandled
	case permanent(err):
		p.logger.Warn("record rejected", "event_type", msg.EventType, "tenant_id", msg.TenantID, "offset", msg.Offset, "error", err)
		return msg, resultRejected
	default:
		p.logger.Error("handler failed", "event_type", msg.EventType, "tenant_id", msg.TenantID, "offset", msg.Offset, "error", err)
		return msg, resultRetry
	}
}

// pause waits for the backoff and reports false if ctx ended first.
func (p *Processor) pause(ctx context.Context) bool {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
