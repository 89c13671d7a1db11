package store

import (
	"time"

	"github.com/gridwire/racetiming/internal/timing"
)

// Event is one race day or weekend.
type Event struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string
	Name           string
	IsActive       bool
	Schedule       []byte `gorm:"type:jsonb"`
	Orbits         []byte `gorm:"type:jsonb"`
	X2             []byte `gorm:"type:jsonb"`
	Broadcast      []byte `gorm:"type:jsonb"`
	LoopsMetadata  []byte `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is one run (practice, qualifying, race) within an event.
type Session struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"uniqueIndex:idx_sessions_event_session"`
	SessionID string `gorm:"uniqueIndex:idx_sessions_event_session"`
	Name      string
	IsLive    bool
	StartTime *time.Time
	EndTime   *time.Time
	UpdatedAt time.Time
}

// EventStatusLog is one raw feed message persisted by the logger sink.
type EventStatusLog struct {
	ID        string `gorm:"primaryKey"`
	Type      string
	EventID   string `gorm:"index"`
	SessionID string
	Timestamp time.Time
	Data      []byte
}

// CarLapLog is one committed car-lap with its enriched snapshot.
type CarLapLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"index:idx_car_lap_logs_scope"`
	SessionID string `gorm:"index:idx_car_lap_logs_scope"`
	CarNumber string
	LapNumber int
	Flag      timing.Flag
	Timestamp time.Time
	LapData   []byte `gorm:"type:jsonb"`
}

// CarLastLap mirrors the most recent lap per car for cheap lookup.
type CarLastLap struct {
	EventID   string `gorm:"primaryKey"`
	SessionID string `gorm:"primaryKey"`
	CarNumber string `gorm:"primaryKey"`
	LapNumber int
	Timestamp time.Time
	LapData   []byte `gorm:"type:jsonb"`
}

// FlagLog is the durable mirror of the in-memory flag durations.
type FlagLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"index:idx_flag_log_scope"`
	SessionID string `gorm:"index:idx_flag_log_scope"`
	Flag      timing.Flag
	StartTime time.Time
	EndTime   *time.Time
}

// CompetitorMetadata carries operator-maintained car details.
type CompetitorMetadata struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"index"`
	CarNumber string
	Make      string
	Engine    string
	Team      string
	Payload   []byte `gorm:"type:jsonb"`
}

// Organization owns events.
type Organization struct {
	ID      string `gorm:"primaryKey"`
	Name    string
	Payload []byte `gorm:"type:jsonb"`
}

// SessionResult is the final artifact written on finalization.
type SessionResult struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	EventID      string `gorm:"uniqueIndex:idx_session_results_scope"`
	SessionID    string `gorm:"uniqueIndex:idx_session_results_scope"`
	Start        *time.Time
	SessionState []byte `gorm:"type:jsonb"`
	ControlLogs  []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// X2Loop is one physical track sensor definition.
type X2Loop struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	EventID string `gorm:"index"`
	LoopID  string
	Name    string
	Type    string
	Data    []byte
}

// X2Passing is one transponder passing.
type X2Passing struct {
	PassingID   string `gorm:"primaryKey"`
	EventID     string `gorm:"index"`
	Transponder string
	LoopID      string
	Timestamp   time.Time
	Data        []byte
}
