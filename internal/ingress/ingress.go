// Package ingress reads the event input stream through a durable consumer
// group and feeds typed messages to the pipeline, one batch at a time.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/metrics"
	"github.com/gridwire/racetiming/internal/timing"
)

// Broker is the slice of the stream broker the reader uses.
type Broker interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Dispatcher consumes one decoded message. Processing is serial: the reader
// does not poll again until the previous batch has been dispatched.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg timing.Message)
}

// Config configures the stream reader.
type Config struct {
	EventID    string
	Consumer   string
	Broker     Broker
	Dispatcher Dispatcher
	Logger     zerolog.Logger
	// BatchSize bounds one read. Zero means 50.
	BatchSize int64
	// Block bounds one blocking read. Zero means 5 s.
	Block time.Duration
	// Backoff follows a transient broker error. Zero means 10 s.
	Backoff time.Duration
}

// Reader drains the event stream into the dispatcher.
type Reader struct {
	eventID    string
	consumer   string
	broker     Broker
	dispatcher Dispatcher
	logger     zerolog.Logger
	batch      int64
	block      time.Duration
	backoff    time.Duration
}

// New creates the stream reader.
func New(cfg Config) (*Reader, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	return &Reader{
		eventID:    cfg.EventID,
		consumer:   cfg.Consumer,
		broker:     cfg.Broker,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With().Str("component", "ingress").Logger(),
		batch:      cfg.BatchSize,
		block:      cfg.Block,
		backoff:    cfg.Backoff,
	}, nil
}

// Run reads until ctx is cancelled. Transient broker errors back off and
// re-ensure the consumer group before the next poll.
func (r *Reader) Run(ctx context.Context) error {
	stream := broker.EventStream(r.eventID)
	group := broker.EventStreamGroup(r.eventID)
	if err := r.broker.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := r.broker.ReadGroup(ctx, stream, group, r.consumer, r.batch, r.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("reading event stream")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
			if err := r.broker.EnsureGroup(ctx, stream, group); err != nil {
				r.logger.Error().Err(err).Msg("re-ensuring consumer group")
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			r.dispatchEntry(ctx, entry)
			ids = append(ids, entry.ID)
		}
		if err := r.broker.Ack(ctx, stream, group, ids...); err != nil {
			r.logger.Error().Err(err).Msg("acking batch")
		}
	}
}

func (r *Reader) dispatchEntry(ctx context.Context, entry broker.StreamEntry) {
	for name, raw := range entry.Fields {
		msgType, eventID, sessionID, err := timing.ParseFieldName(name)
		if err != nil {
			r.logger.Warn().Err(err).Str("field", name).Str("entry", entry.ID).Msg("skipping field")
			continue
		}
		r.dispatcher.Dispatch(ctx, timing.Message{
			Type:      msgType,
			Data:      []byte(fmt.Sprint(raw)),
			EventID:   eventID,
			SessionID: sessionID,
		})
		metrics.MessagesIngested.WithLabelValues(string(msgType)).Inc()
	}
}
