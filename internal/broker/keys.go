package broker

import "fmt"

// Key and channel grammar shared with the relay agents and the UI gateway.

// EventStream is the event's append-only input stream.
func EventStream(eventID string) string {
	return fmt.Sprintf("evt-st-%s", eventID)
}

// EventStreamGroup is the durable consumer group on the event stream. The
// braces keep the group co-located with the stream under cluster hashing.
func EventStreamGroup(eventID string) string {
	return fmt.Sprintf("{evt-st-%s}", eventID)
}

// ProcLogStream carries structured lap batches for the logger sink.
func ProcLogStream(eventID string) string {
	return fmt.Sprintf("evt-proc-log-%s", eventID)
}

// PayloadKey caches the last consolidated payload for full-status replay.
func PayloadKey(eventID string) string {
	return fmt.Sprintf("evt-%s-payload", eventID)
}

// InCarDataKey caches the last in-car payload per car.
func InCarDataKey(eventID, carNumber string) string {
	return fmt.Sprintf("in-car-data-%s-%s", eventID, carNumber)
}

// DriverByCarKey looks up driver cross-references by event and car.
func DriverByCarKey(eventID, carNumber string) string {
	return fmt.Sprintf("drevt%s-car%s", eventID, carNumber)
}

// DriverByTransponderKey looks up driver cross-references by transponder.
func DriverByTransponderKey(transponderID string) string {
	return fmt.Sprintf("drtrans%s", transponderID)
}

// ControlLogKey holds the control-log entry list maintained by race-control
// tooling.
func ControlLogKey(eventID string) string {
	return fmt.Sprintf("control-log-%s", eventID)
}

// VideoKey looks up video cross-references.
func VideoKey(eventID, carNumber, transponderID string) string {
	return fmt.Sprintf("videoevt%s-car%s-trans%s", eventID, carNumber, transponderID)
}

const (
	// RelayConnsHash tracks last-seen timestamps per relay connection.
	RelayConnsHash = "relay-evt-conns"

	// ShutdownChannel signals immediate finalization for an event.
	ShutdownChannel = "evt-shutdown-signal"

	// ConfChangedChannel announces event configuration changes.
	ConfChangedChannel = "event-configuration-changed"

	// FullStatusChannel serves snapshot replay to reconnecting clients.
	FullStatusChannel = "fullstatus"

	// LogGroup is the logger sink's consumer group on the event stream.
	LogGroup = "log"

	// ProcLogGroup is the logger sink's group on the proc-log stream.
	ProcLogGroup = "logger"
)
