// Package store is the relational persistence layer: events, sessions, flag
// log, car lap logs, session results, loops, and passings.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gridwire/racetiming/internal/timing"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// UpsertOutcome reports what an upsert did, replacing duplicate-key
// exception handling with an explicit result.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertUpdated
	UpsertSkipped
)

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the database.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db_dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Event loads one event row.
func (s *Store) Event(ctx context.Context, eventID string) (Event, error) {
	var evt Event
	err := s.db.WithContext(ctx).First(&evt, "id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("loading event %s: %w", eventID, err)
	}
	return evt, nil
}

// LatestSession returns the event's most recently updated session.
func (s *Store) LatestSession(ctx context.Context, eventID string) (Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("updated_at desc").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("session for event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session for event %s: %w", eventID, err)
	}
	return sess, nil
}

// UpsertSession creates or refreshes the (event, session) row.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "is_live", "updated_at"}),
	}).Create(&sess).Error
	if err != nil {
		return fmt.Errorf("upserting session %s/%s: %w", sess.EventID, sess.SessionID, err)
	}
	return nil
}

// MarkSessionEnded clears the live flag and stamps the end time.
func (s *Store) MarkSessionEnded(ctx context.Context, eventID, sessionID string, end time.Time) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("event_id = ? AND session_id = ?", eventID, sessionID).
		Updates(map[string]interface{}{"is_live": false, "end_time": end, "updated_at": end}).Error
	if err != nil {
		return fmt.Errorf("ending session %s/%s: %w", eventID, sessionID, err)
	}
	return nil
}

// TouchSessionUpdated refreshes the session's updated-at stamp.
func (s *Store) TouchSessionUpdated(ctx context.Context, eventID, sessionID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("event_id = ? AND session_id = ?", eventID, sessionID).
		Update("updated_at", at).Error
	if err != nil {
		return fmt.Errorf("touching session %s/%s: %w", eventID, sessionID, err)
	}
	return nil
}

// FlagRows loads the session's flag log ordered by start time.
func (s *Store) FlagRows(ctx context.Context, eventID, sessionID string) ([]FlagLog, error) {
	var rows []FlagLog
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND session_id = ?", eventID, sessionID).
		Order("start_time asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading flag log %s/%s: %w", eventID, sessionID, err)
	}
	return rows, nil
}

// CloseFlagRow back-fills a row's end time. End times are written exactly
// once; a row already closed is left alone.
func (s *Store) CloseFlagRow(ctx context.Context, id uint, end time.Time) error {
	err := s.db.WithContext(ctx).Model(&FlagLog{}).
		Where("id = ? AND end_time IS NULL", id).
		Update("end_time", end).Error
	if err != nil {
		return fmt.Errorf("closing flag row %d: %w", id, err)
	}
	return nil
}

// AddFlagRow appends one flag segment.
func (s *Store) AddFlagRow(ctx context.Context, row FlagLog) error {
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("adding flag row: %w", err)
	}
	return nil
}

// AppendCarLapLog writes one committed car-lap.
func (s *Store) AppendCarLapLog(ctx context.Context, row CarLapLog) error {
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending lap log %s lap %d: %w", row.CarNumber, row.LapNumber, err)
	}
	return nil
}

// UpsertCarLastLap refreshes the per-car last-lap mirror.
func (s *Store) UpsertCarLastLap(ctx context.Context, row CarLastLap) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}, {Name: "session_id"}, {Name: "car_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"lap_number", "timestamp", "lap_data"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upserting last lap %s: %w", row.CarNumber, err)
	}
	return nil
}

// LapsInRange loads the session's lap logs for laps from..to inclusive.
func (s *Store) LapsInRange(ctx context.Context, eventID, sessionID string, from, to int) ([]CarLapLog, error) {
	var rows []CarLapLog
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND session_id = ? AND lap_number BETWEEN ? AND ?", eventID, sessionID, from, to).
		Order("lap_number asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading laps %d..%d for %s/%s: %w", from, to, eventID, sessionID, err)
	}
	return rows, nil
}

// resultCompleteness is what the more-complete rule compares.
type resultCompleteness struct {
	Entries int
	Cars    int
	Flags   int
}

func completenessOf(stateJSON []byte) resultCompleteness {
	var state timing.SessionState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return resultCompleteness{}
	}
	return resultCompleteness{
		Entries: len(state.EventEntries),
		Cars:    len(state.CarPositions),
		Flags:   len(state.FlagDurations),
	}
}

// moreComplete reports whether a is at least as complete as b on all three
// counts. A later snapshot replaces an earlier one only when this holds.
func moreComplete(a, b resultCompleteness) bool {
	return a.Entries >= b.Entries && a.Cars >= b.Cars && a.Flags >= b.Flags
}

// SaveSessionResult writes the final artifact. An existing result is replaced
// only by a snapshot that is at least as complete on entries, cars, and flag
// segments; anything less is skipped.
func (s *Store) SaveSessionResult(ctx context.Context, result SessionResult) (UpsertOutcome, error) {
	var existing SessionResult
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND session_id = ?", result.EventID, result.SessionID).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&result).Error; err != nil {
			return UpsertSkipped, fmt.Errorf("creating session result %s/%s: %w", result.EventID, result.SessionID, err)
		}
		return UpsertInserted, nil
	case err != nil:
		return UpsertSkipped, fmt.Errorf("loading session result %s/%s: %w", result.EventID, result.SessionID, err)
	}

	if !moreComplete(completenessOf(result.SessionState), completenessOf(existing.SessionState)) {
		return UpsertSkipped, nil
	}
	err = s.db.WithContext(ctx).Model(&existing).
		Updates(map[string]interface{}{
			"session_state": result.SessionState,
			"control_logs":  result.ControlLogs,
			"start":         result.Start,
		}).Error
	if err != nil {
		return UpsertSkipped, fmt.Errorf("updating session result %s/%s: %w", result.EventID, result.SessionID, err)
	}
	return UpsertUpdated, nil
}

// AppendEventStatusLog persists one raw feed message.
func (s *Store) AppendEventStatusLog(ctx context.Context, row EventStatusLog) error {
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending status log: %w", err)
	}
	return nil
}

// UpsertPassing writes a transponder passing, keyed by passing id.
func (s *Store) UpsertPassing(ctx context.Context, row X2Passing) (UpsertOutcome, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "passing_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return UpsertSkipped, fmt.Errorf("upserting passing %s: %w", row.PassingID, res.Error)
	}
	if res.RowsAffected == 0 {
		return UpsertSkipped, nil
	}
	return UpsertInserted, nil
}

// ReplaceLoops atomically replaces the event's loop definitions.
func (s *Store) ReplaceLoops(ctx context.Context, eventID string, loops []X2Loop) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", eventID).Delete(&X2Loop{}).Error; err != nil {
			return err
		}
		if len(loops) == 0 {
			return nil
		}
		return tx.Create(&loops).Error
	})
	if err != nil {
		return fmt.Errorf("replacing loops for event %s: %w", eventID, err)
	}
	return nil
}

// LoopsForEvent loads the event's loop definitions.
func (s *Store) LoopsForEvent(ctx context.Context, eventID string) ([]X2Loop, error) {
	var rows []X2Loop
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading loops for event %s: %w", eventID, err)
	}
	return rows, nil
}

// CompetitorMetadataForEvent loads the operator-maintained car details.
func (s *Store) CompetitorMetadataForEvent(ctx context.Context, eventID string) ([]CompetitorMetadata, error) {
	var rows []CompetitorMetadata
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading competitor metadata for event %s: %w", eventID, err)
	}
	return rows, nil
}
