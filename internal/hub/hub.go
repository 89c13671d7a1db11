// Package hub fans out serialized updates to groups of client connections.
// Group keys: "evt<eventId>-sub" for patch subscribers, "<eventId>" for the
// legacy payload path, and "in-car-evt-<eventId>-car-<number>" for targeted
// in-car pushes.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

// Message is one push to clients: a method name and its arguments.
type Message struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
}

// Sender is one client connection as the hub sees it.
type Sender interface {
	ID() string
	Send(ctx context.Context, msg Message) error
}

// Hub tracks group membership and broadcasts messages.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	groups  map[string]map[string]Sender
	clients map[string]Sender
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		groups:  map[string]map[string]Sender{},
		clients: map[string]Sender{},
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[s.ID()] = s
}

// Unregister removes a connection and its group memberships.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
	for group, members := range h.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// SubscribeToEvent adds the connection to the event's subscriber groups.
func (h *Hub) SubscribeToEvent(clientID, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	h.addLocked(SubGroup(eventID), s)
	h.addLocked(LegacyGroup(eventID), s)
	return nil
}

// UnsubscribeFromEvent removes the connection from the event's groups.
func (h *Hub) UnsubscribeFromEvent(clientID, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(SubGroup(eventID), clientID)
	h.removeLocked(LegacyGroup(eventID), clientID)
}

// JoinGroup adds the connection to an arbitrary group (in-car keys).
func (h *Hub) JoinGroup(clientID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	h.addLocked(group, s)
	return nil
}

func (h *Hub) addLocked(group string, s Sender) {
	members, ok := h.groups[group]
	if !ok {
		members = map[string]Sender{}
		h.groups[group] = members
	}
	members[s.ID()] = s
}

func (h *Hub) removeLocked(group, clientID string) {
	if members, ok := h.groups[group]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// SendToGroup pushes one message to every member of the group. Send errors
// are logged and do not stop the fan-out.
func (h *Hub) SendToGroup(ctx context.Context, group string, msg Message) {
	h.mu.RLock()
	members := make([]Sender, 0, len(h.groups[group]))
	for _, s := range h.groups[group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if err := s.Send(ctx, msg); err != nil {
			h.logger.Warn().Err(err).Str("group", group).Str("client", s.ID()).Msg("dropping hub send")
		}
	}
}

// SubGroup is the patch subscriber group for an event.
func SubGroup(eventID string) string {
	return fmt.Sprintf("evt%s-sub", eventID)
}

// LegacyGroup is the full-payload compatibility group for an event.
func LegacyGroup(eventID string) string {
	return eventID
}

// InCarGroup is the targeted group for one car's in-car clients.
func InCarGroup(eventID, carNumber string) string {
	return fmt.Sprintf("in-car-evt-%s-car-%s", eventID, carNumber)
}

// Client-side push methods of the hub contract.

// ReceiveSessionPatch pushes a session patch to the event subscribers.
func (h *Hub) ReceiveSessionPatch(ctx context.Context, eventID string, p timing.SessionStatePatch) {
	h.SendToGroup(ctx, SubGroup(eventID), Message{Method: "ReceiveSessionPatch", Arguments: []interface{}{p}})
}

// ReceiveCarPatches pushes car patches to the event subscribers.
func (h *Hub) ReceiveCarPatches(ctx context.Context, eventID string, patches []timing.CarPositionPatch) {
	h.SendToGroup(ctx, SubGroup(eventID), Message{Method: "ReceiveCarPatches", Arguments: []interface{}{patches}})
}

// ReceiveInCarUpdateV2 pushes a targeted in-car payload.
func (h *Hub) ReceiveInCarUpdateV2(ctx context.Context, eventID, carNumber string, payload interface{}) {
	h.SendToGroup(ctx, InCarGroup(eventID, carNumber), Message{Method: "ReceiveInCarUpdateV2", Arguments: []interface{}{payload}})
}

// ReceiveInCarVideoMetadata pushes video cross-reference data to a car's group.
func (h *Hub) ReceiveInCarVideoMetadata(ctx context.Context, eventID, carNumber string, payload interface{}) {
	h.SendToGroup(ctx, InCarGroup(eventID, carNumber), Message{Method: "ReceiveInCarVideoMetadata", Arguments: []interface{}{payload}})
}

// ReceiveControlLog pushes per-car control-log entries to subscribers.
func (h *Hub) ReceiveControlLog(ctx context.Context, eventID string, payload interface{}) {
	h.SendToGroup(ctx, SubGroup(eventID), Message{Method: "ReceiveControlLog", Arguments: []interface{}{payload}})
}

// ReceiveCompetitorMetadata pushes competitor metadata to subscribers.
func (h *Hub) ReceiveCompetitorMetadata(ctx context.Context, eventID string, payload interface{}) {
	h.SendToGroup(ctx, SubGroup(eventID), Message{Method: "ReceiveCompetitorMetadata", Arguments: []interface{}{payload}})
}

// ReceiveReset tells clients to drop local caches.
func (h *Hub) ReceiveReset(ctx context.Context, eventID string) {
	h.SendToGroup(ctx, SubGroup(eventID), Message{Method: "ReceiveReset", Arguments: nil})
	h.SendToGroup(ctx, LegacyGroup(eventID), Message{Method: "ReceiveReset", Arguments: nil})
}

// ReceiveMessage pushes a legacy full payload.
func (h *Hub) ReceiveMessage(ctx context.Context, eventID string, payload interface{}) {
	h.SendToGroup(ctx, LegacyGroup(eventID), Message{Method: "ReceiveMessage", Arguments: []interface{}{payload}})
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding hub message: %w", err)
	}
	return data, nil
}
