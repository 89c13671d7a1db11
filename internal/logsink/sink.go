// Package logsink persists the raw feed and the structured lap log. It runs
// its own consumer groups so a replay never disturbs the live pipeline.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/laps"
	"github.com/gridwire/racetiming/internal/pitloop"
	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

// Broker is the slice of the stream broker the sink uses.
type Broker interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// LogStore is the slice of the relational store the sink writes.
type LogStore interface {
	AppendEventStatusLog(ctx context.Context, row store.EventStatusLog) error
	UpsertPassing(ctx context.Context, row store.X2Passing) (store.UpsertOutcome, error)
	ReplaceLoops(ctx context.Context, eventID string, loops []store.X2Loop) error
	AppendCarLapLog(ctx context.Context, row store.CarLapLog) error
	UpsertCarLastLap(ctx context.Context, row store.CarLastLap) error
}

type loopDef struct {
	LoopID string          `json:"loopId"`
	Name   string          `json:"name,omitempty"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Config configures the sink.
type Config struct {
	EventID  string
	Consumer string
	Broker   Broker
	Store    LogStore
	Logger   zerolog.Logger
	// BatchSize bounds one read. Zero means 50.
	BatchSize int64
	// Block bounds one blocking read. Zero means 5 s.
	Block time.Duration
	// Backoff follows a transient broker error. Zero means 10 s.
	Backoff time.Duration
	// Now is injectable for tests.
	Now func() time.Time
}

// Sink drains the event stream into EventStatusLog rows and the proc-log
// stream into CarLapLog rows.
type Sink struct {
	eventID  string
	consumer string
	broker   Broker
	store    LogStore
	logger   zerolog.Logger
	batch    int64
	block    time.Duration
	backoff  time.Duration
	now      func() time.Time
}

// New creates the logger sink.
func New(cfg Config) (*Sink, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sink{
		eventID:  cfg.EventID,
		consumer: cfg.Consumer,
		broker:   cfg.Broker,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "logsink").Logger(),
		batch:    cfg.BatchSize,
		block:    cfg.Block,
		backoff:  cfg.Backoff,
		now:      cfg.Now,
	}, nil
}

// Run drains both streams until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	statusStream := broker.EventStream(s.eventID)
	lapStream := broker.ProcLogStream(s.eventID)
	if err := s.broker.EnsureGroup(ctx, statusStream, broker.LogGroup); err != nil {
		return err
	}
	if err := s.broker.EnsureGroup(ctx, lapStream, broker.ProcLogGroup); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(ctx, statusStream, broker.LogGroup, s.ProcessStatusEntry)
	}()
	go func() {
		defer wg.Done()
		s.drain(ctx, lapStream, broker.ProcLogGroup, s.ProcessLapEntry)
	}()
	wg.Wait()
	return ctx.Err()
}

func (s *Sink) drain(ctx context.Context, stream, group string, handle func(context.Context, broker.StreamEntry)) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := s.broker.ReadGroup(ctx, stream, group, s.consumer, s.batch, s.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Str("stream", stream).Msg("reading stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			handle(ctx, entry)
			ids = append(ids, entry.ID)
		}
		if err := s.broker.Ack(ctx, stream, group, ids...); err != nil {
			s.logger.Error().Err(err).Str("stream", stream).Msg("acking entries")
		}
	}
}

// ProcessStatusEntry writes one EventStatusLog row per field and routes the
// sensor feeds to their tables.
func (s *Sink) ProcessStatusEntry(ctx context.Context, entry broker.StreamEntry) {
	for name, raw := range entry.Fields {
		data := []byte(fmt.Sprint(raw))
		msgType, eventID, sessionID, err := timing.ParseFieldName(name)
		if err != nil {
			s.logger.Warn().Err(err).Str("field", name).Msg("skipping field")
			continue
		}
		row := store.EventStatusLog{
			ID:        uuid.NewString(),
			Type:      string(msgType),
			EventID:   eventID,
			SessionID: sessionID,
			Timestamp: s.now(),
			Data:      data,
		}
		if err := s.store.AppendEventStatusLog(ctx, row); err != nil {
			s.logger.Error().Err(err).Str("type", string(msgType)).Msg("writing status log")
			continue
		}
		switch msgType {
		case timing.TypeX2Pass:
			s.persistPassings(ctx, eventID, data)
		case timing.TypeX2Loop:
			s.persistLoops(ctx, eventID, data)
		}
	}
}

// ProcessLapEntry decodes structured lap records into CarLapLog rows and the
// per-car last-lap mirror.
func (s *Sink) ProcessLapEntry(ctx context.Context, entry broker.StreamEntry) {
	for name, raw := range entry.Fields {
		var record laps.LapRecord
		if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &record); err != nil {
			s.logger.Warn().Err(err).Str("field", name).Msg("skipping lap record")
			continue
		}
		lapData, err := json.Marshal(record.LapData)
		if err != nil {
			s.logger.Error().Err(err).Msg("encoding lap snapshot")
			continue
		}
		row := store.CarLapLog{
			EventID:   record.EventID,
			SessionID: record.SessionID,
			CarNumber: record.CarNumber,
			LapNumber: record.LapNumber,
			Flag:      record.Flag,
			Timestamp: record.Timestamp,
			LapData:   lapData,
		}
		if err := s.store.AppendCarLapLog(ctx, row); err != nil {
			s.logger.Error().Err(err).Str("number", record.CarNumber).Msg("writing lap log")
			continue
		}
		last := store.CarLastLap{
			EventID:   record.EventID,
			SessionID: record.SessionID,
			CarNumber: record.CarNumber,
			LapNumber: record.LapNumber,
			Timestamp: record.Timestamp,
			LapData:   lapData,
		}
		if err := s.store.UpsertCarLastLap(ctx, last); err != nil {
			s.logger.Error().Err(err).Str("number", record.CarNumber).Msg("updating last lap")
		}
	}
}

func (s *Sink) persistPassings(ctx context.Context, eventID string, data []byte) {
	var passings []pitloop.Passing
	if err := json.Unmarshal(data, &passings); err != nil {
		s.logger.Warn().Err(err).Msg("skipping passing batch")
		return
	}
	for _, p := range passings {
		row := store.X2Passing{
			PassingID:   p.PassingID,
			EventID:     eventID,
			Transponder: p.Transponder,
			LoopID:      p.LoopID,
			Timestamp:   p.Timestamp,
		}
		if _, err := s.store.UpsertPassing(ctx, row); err != nil {
			s.logger.Error().Err(err).Str("passing", p.PassingID).Msg("writing passing")
		}
	}
}

func (s *Sink) persistLoops(ctx context.Context, eventID string, data []byte) {
	var defs []loopDef
	if err := json.Unmarshal(data, &defs); err != nil {
		s.logger.Warn().Err(err).Msg("skipping loop batch")
		return
	}
	loops := make([]store.X2Loop, 0, len(defs))
	for _, d := range defs {
		loops = append(loops, store.X2Loop{
			EventID: eventID,
			LoopID:  d.LoopID,
			Name:    d.Name,
			Type:    d.Type,
			Data:    d.Data,
		})
	}
	if err := s.store.ReplaceLoops(ctx, eventID, loops); err != nil {
		s.logger.Error().Err(err).Msg("replacing loops")
	}
}
