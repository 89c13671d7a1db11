// Package pipeline is the per-event processing chain: it routes typed feed
// messages to their decoders and processors, applies the resulting updates to
// the authoritative session state, runs enrichment, and hands patches to the
// consolidator.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/enrich"
	"github.com/gridwire/racetiming/internal/metrics"
	"github.com/gridwire/racetiming/internal/multiloop"
	"github.com/gridwire/racetiming/internal/rmonitor"
	"github.com/gridwire/racetiming/internal/session"
	"github.com/gridwire/racetiming/internal/timing"
)

// FlagProcessor maintains the durable flag segments.
type FlagProcessor interface {
	Process(ctx context.Context, data []byte) (timing.SessionStatePatch, error)
	Transition(ctx context.Context, flag timing.Flag, at time.Time) (timing.SessionStatePatch, bool, error)
	Reset()
}

// PitProcessor classifies transponder passings.
type PitProcessor interface {
	HandlePassing(data []byte, currentLap int) (timing.CarPositionPatch, bool, error)
	ReloadLoops(ctx context.Context) error
	ResetSession()
}

// LapMarker receives lap-completion events for debounced commit.
type LapMarker interface {
	LapCompleted(ctx context.Context, number string, lap int)
	ResetSession()
}

// InCar recomputes the per-driver quads.
type InCar interface {
	Tick(ctx context.Context, state timing.SessionState)
	ResetSession()
}

// DriverEnricher applies driver and video cross-references.
type DriverEnricher interface {
	HandleDriverEvent(ctx context.Context, data []byte) ([]timing.CarPositionPatch, error)
	HandleDriverTransponder(ctx context.Context, data []byte) ([]timing.CarPositionPatch, error)
	HandleVideo(ctx context.Context, data []byte) error
	ResetSession()
}

// Collector receives patches for debounced broadcast.
type Collector interface {
	AddSession(timing.SessionStatePatch)
	AddCar(timing.CarPositionPatch)
}

// ResetPusher tells subscribers the session state was torn down.
type ResetPusher interface {
	ReceiveReset(ctx context.Context, eventID string)
}

// Lifecycle is the slice of the session monitor the pipeline drives.
type Lifecycle interface {
	NotifySessionChanged()
	NoteActivity(ctx context.Context, eventID, sessionID string)
}

// RelayToucher records relay heartbeats.
type RelayToucher interface {
	TouchRelay(ctx context.Context, connID string, seen time.Time) error
}

// Config configures the pipeline.
type Config struct {
	EventID      string
	Sessions     *session.Context
	Flags        FlagProcessor
	Pits         PitProcessor
	Laps         LapMarker
	InCar        InCar
	External     DriverEnricher
	Consolidator Collector
	Hub          ResetPusher
	Monitor      Lifecycle
	Relay        RelayToucher
	Logger       zerolog.Logger
	// PitRelease, when set, receives car numbers whose held laps should commit
	// immediately because a pit-in just arrived.
	PitRelease chan<- string
	// Now is injectable for tests.
	Now func() time.Time
}

// Pipeline dispatches one event's feed. It is single-consumer: Dispatch is
// called serially in broker order.
type Pipeline struct {
	eventID      string
	sessions     *session.Context
	rm           *rmonitor.Decoder
	ml           *multiloop.Decoder
	flags        FlagProcessor
	pits         PitProcessor
	laps         LapMarker
	incar        InCar
	external     DriverEnricher
	consolidator Collector
	hub          ResetPusher
	monitor      Lifecycle
	relay        RelayToucher
	logger       zerolog.Logger
	pitRelease   chan<- string
	now          func() time.Time
}

// New creates the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if cfg.Consolidator == nil {
		return nil, fmt.Errorf("consolidator is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		eventID:      cfg.EventID,
		sessions:     cfg.Sessions,
		rm:           rmonitor.NewDecoder(logger),
		ml:           multiloop.NewDecoder(logger),
		flags:        cfg.Flags,
		pits:         cfg.Pits,
		laps:         cfg.Laps,
		incar:        cfg.InCar,
		external:     cfg.External,
		consolidator: cfg.Consolidator,
		hub:          cfg.Hub,
		monitor:      cfg.Monitor,
		relay:        cfg.Relay,
		logger:       logger,
		pitRelease:   cfg.PitRelease,
		now:          cfg.Now,
	}, nil
}

// Dispatch routes one typed message. Decode failures are logged and skipped;
// the stream keeps flowing.
func (p *Pipeline) Dispatch(ctx context.Context, msg timing.Message) {
	switch msg.Type {
	case timing.TypeRMonitor:
		p.applyUpdates(ctx, p.rm.Decode(msg.Data))
		p.finishMutation(ctx)

	case timing.TypeMultiloop:
		p.sessions.SetMultiloopActive(true)
		p.applyUpdates(ctx, p.ml.Decode(msg.Data))
		p.finishMutation(ctx)

	case timing.TypeFlags:
		patch, err := p.flags.Process(ctx, msg.Data)
		if err != nil {
			p.decodeFailure(msg.Type, err)
			return
		}
		p.applySessionPatch(patch)
		p.finishMutation(ctx)

	case timing.TypeX2Pass:
		// Multiloop line crossings are ground truth when that feed is live.
		if p.sessions.MultiloopActive() {
			return
		}
		_, lap := p.sessions.CurrentFlagAndLap()
		patch, changed, err := p.pits.HandlePassing(msg.Data, lap)
		if err != nil {
			p.decodeFailure(msg.Type, err)
			return
		}
		if changed {
			p.applyCarPatch(patch)
			p.releaseHeldLaps(patch)
			p.finishMutation(ctx)
		}

	case timing.TypeX2Loop, timing.TypeConfChanged:
		if err := p.pits.ReloadLoops(ctx); err != nil {
			p.logger.Error().Err(err).Msg("reloading loop metadata")
		}

	case timing.TypeSessionChanged:
		p.handleSessionChanged(ctx, msg.Data)

	case timing.TypeDriverEvent:
		patches, err := p.external.HandleDriverEvent(ctx, msg.Data)
		if err != nil {
			p.decodeFailure(msg.Type, err)
			return
		}
		p.applyCarPatches(ctx, patches)

	case timing.TypeDriverTrans:
		patches, err := p.external.HandleDriverTransponder(ctx, msg.Data)
		if err != nil {
			p.decodeFailure(msg.Type, err)
			return
		}
		p.applyCarPatches(ctx, patches)

	case timing.TypeVideo:
		if err := p.external.HandleVideo(ctx, msg.Data); err != nil {
			p.decodeFailure(msg.Type, err)
		}

	case timing.TypeRelayHeartbeat:
		p.touchRelay(ctx, msg.Data)

	default:
		p.logger.Warn().Str("type", string(msg.Type)).Msg("unroutable message")
	}
}

func (p *Pipeline) applyUpdates(ctx context.Context, updates []timing.StateUpdate) {
	for _, update := range updates {
		switch u := update.(type) {
		case timing.CompetitorStateUpdate:
			p.applyCompetitors(u)

		case timing.HeartbeatStateUpdate:
			p.applyHeartbeat(ctx, u)

		case timing.CarRaceStateUpdate:
			p.applyCarRace(ctx, u)

		case timing.PracticeBestStateUpdate:
			patch := timing.CarPositionPatch{Number: u.Number}
			if u.OverallPosition > 0 {
				patch.OverallPosition = timing.Ptr(u.OverallPosition)
			}
			if u.BestTime != "" {
				patch.BestTime = timing.Ptr(u.BestTime)
			}
			p.applyCarPatch(patch)

		case timing.SessionReferenceUpdate:
			p.applySessionReference(ctx, u)

		case timing.FlagMetricsStateUpdate:
			patch := timing.SessionStatePatch{}
			patch.FlagMetrics = timing.Ptr(u.Metrics)
			p.applySessionPatch(patch)

		case timing.PracticeQualifyingStateUpdate:
			if u.Name != "" {
				patch := timing.SessionStatePatch{}
				patch.SessionName = timing.Ptr(u.Name)
				p.applySessionPatch(patch)
			}

		case timing.SectionStateUpdate:
			sections := p.ml.SectionsFor(u.Number)
			patch := timing.CarPositionPatch{Number: u.Number}
			patch.CompletedSections = &sections
			p.applyCarPatch(patch)

		case timing.PitSfCrossingStateUpdate:
			p.applyPitCrossing(u)

		case timing.InvalidatedLapStateUpdate:
			patch := timing.CarPositionPatch{Number: u.Number}
			patch.LastLapCompleted = timing.Ptr(u.LapsCompleted)
			p.applyCarPatch(patch)

		case timing.NewLeaderStateUpdate:
			p.logger.Debug().Str("number", u.Number).Int("lap", u.Lap).Msg("new leader")

		case timing.AnnouncementStateUpdate:
			p.applyAnnouncement(u.Announcement)

		case timing.TrackStateUpdate:
			patch := timing.SessionStatePatch{}
			if u.Name != "" {
				patch.TrackName = timing.Ptr(u.Name)
			}
			if u.Sections > 0 {
				patch.TrackSections = timing.Ptr(u.Sections)
			}
			p.applySessionPatch(patch)
		}
	}
}

func (p *Pipeline) applyCompetitors(u timing.CompetitorStateUpdate) {
	if len(u.ClassMap) > 0 {
		p.sessions.SetSessionClassMetadata(u.ClassMap)
	}
	entries := make([]timing.EventEntry, len(u.Competitors))
	for i, e := range u.Competitors {
		entries[i] = e
		entries[i].Class = p.sessions.ClassName(e.Class)
	}
	patch := timing.SessionStatePatch{}
	patch.EventEntries = &entries
	p.applySessionPatch(patch)

	for number, tid := range u.Transponders {
		if tid == "" {
			continue
		}
		carPatch := timing.CarPositionPatch{Number: number}
		carPatch.TransponderID = timing.Ptr(tid)
		p.applyCarPatch(carPatch)
	}
}

func (p *Pipeline) applyHeartbeat(ctx context.Context, u timing.HeartbeatStateUpdate) {
	patch := timing.SessionStatePatch{}
	patch.CurrentFlag = timing.Ptr(u.Flag)
	if u.LocalTimeOfDay != "" {
		patch.LocalTimeOfDay = timing.Ptr(u.LocalTimeOfDay)
	}
	if u.RunningRaceTime != "" {
		patch.RunningRaceTime = timing.Ptr(u.RunningRaceTime)
	}
	if u.TimeToGo != "" {
		patch.TimeToGo = timing.Ptr(u.TimeToGo)
	}
	if u.LapsToGo > 0 {
		patch.LapsToGo = timing.Ptr(u.LapsToGo)
	}
	p.applySessionPatch(patch)

	if p.flags != nil {
		segPatch, changed, err := p.flags.Transition(ctx, u.Flag, p.now())
		if err != nil {
			p.logger.Error().Err(err).Str("flag", string(u.Flag)).Msg("recording flag transition")
			return
		}
		if changed {
			p.applySessionPatch(segPatch)
		}
	}
}

func (p *Pipeline) applyCarRace(ctx context.Context, u timing.CarRaceStateUpdate) {
	flag, leaderLap := p.sessions.CurrentFlagAndLap()

	patch := timing.CarPositionPatch{Number: u.Number}
	if u.OverallPosition > 0 {
		patch.OverallPosition = timing.Ptr(u.OverallPosition)
	}
	if u.LapsCompleted > 0 {
		patch.LastLapCompleted = timing.Ptr(u.LapsCompleted)
	}
	if u.TotalTime != "" {
		patch.TotalTime = timing.Ptr(u.TotalTime)
	}
	if u.LastLapTime != "" {
		patch.LastLapTime = timing.Ptr(u.LastLapTime)
	}
	if u.BestTime != "" {
		patch.BestTime = timing.Ptr(u.BestTime)
	}
	if u.PitStopCount > 0 {
		patch.PitStopCount = timing.Ptr(u.PitStopCount)
	}
	if u.LastLapPitted > 0 {
		patch.LastLapPitted = timing.Ptr(u.LastLapPitted)
	}
	patch.TrackFlag = timing.Ptr(flag)
	if u.ClearSections {
		patch.CompletedSections = &[]timing.CompletedSection{}
	}
	p.applyCarPatch(patch)

	// The grid is captured from the first race records, before the field
	// spreads out.
	if startCaptureAllowed(flag) && leaderLap <= 1 && u.OverallPosition > 0 {
		p.sessions.SetStartingPosition(u.Number, u.OverallPosition, 0)
	}

	if p.laps != nil && u.LapsCompleted > 0 {
		p.laps.LapCompleted(ctx, u.Number, u.LapsCompleted)
	}
}

func (p *Pipeline) applySessionReference(ctx context.Context, u timing.SessionReferenceUpdate) {
	_, current, _ := p.sessions.SessionRef()
	if u.SessionID != "" && u.SessionID != current {
		p.startNewSession(ctx, u.SessionID, u.SessionName)
		return
	}
	if u.SessionName != "" {
		patch := timing.SessionStatePatch{}
		patch.SessionName = timing.Ptr(u.SessionName)
		p.applySessionPatch(patch)
	}
}

func (p *Pipeline) applyPitCrossing(u timing.PitSfCrossingStateUpdate) {
	number := u.Number
	if number == "" {
		resolved, ok := p.sessions.CarNumberForTransponder(u.TransponderID)
		if !ok {
			p.logger.Warn().Str("transponder", u.TransponderID).Msg("crossing for unknown transponder")
			return
		}
		number = resolved
	}
	car, _ := p.sessions.GetCarByNumber(number)

	patch := timing.CarPositionPatch{Number: number}
	if u.LoopName != "" {
		patch.LastLoopName = timing.Ptr(u.LoopName)
	}
	patch.IsInPit = timing.Ptr(u.InPit)
	if u.InPit && !car.IsInPit {
		patch.IsEnteredPit = timing.Ptr(true)
		patch.IsExitedPit = timing.Ptr(false)
		patch.PitStopCount = timing.Ptr(car.PitStopCount + 1)
		patch.LastLapPitted = timing.Ptr(car.LastLapCompleted)
	}
	if !u.InPit && car.IsInPit {
		patch.IsEnteredPit = timing.Ptr(false)
		patch.IsExitedPit = timing.Ptr(true)
	}
	p.applyCarPatch(patch)
	p.releaseHeldLaps(patch)
}

// releaseHeldLaps commits a car's debounced lap early when a pit entry lands
// right after the completion; correctness over latency.
func (p *Pipeline) releaseHeldLaps(patch timing.CarPositionPatch) {
	if p.pitRelease == nil || patch.IsEnteredPit == nil || !*patch.IsEnteredPit {
		return
	}
	select {
	case p.pitRelease <- patch.Number:
	default:
	}
}

func (p *Pipeline) applyAnnouncement(a timing.Announcement) {
	state := p.sessions.Snapshot()
	replaced := false
	announcements := append([]timing.Announcement(nil), state.Announcements...)
	for i := range announcements {
		if announcements[i].ID == a.ID {
			announcements[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		announcements = append(announcements, a)
	}
	patch := timing.SessionStatePatch{}
	patch.Announcements = &announcements
	p.applySessionPatch(patch)
}

type sessionChange struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName,omitempty"`
}

func (p *Pipeline) handleSessionChanged(ctx context.Context, data []byte) {
	var change sessionChange
	if err := json.Unmarshal(data, &change); err != nil {
		p.decodeFailure(timing.TypeSessionChanged, err)
		return
	}
	if change.SessionID == "" {
		p.logger.Warn().Msg("session change without a session id")
		return
	}
	p.startNewSession(ctx, change.SessionID, change.SessionName)
}

func (p *Pipeline) startNewSession(ctx context.Context, sessionID, sessionName string) {
	p.logger.Info().Str("session", sessionID).Str("name", sessionName).Msg("starting new session")
	p.sessions.NewSession(sessionID, sessionName)
	if p.flags != nil {
		p.flags.Reset()
	}
	if p.pits != nil {
		p.pits.ResetSession()
	}
	if p.laps != nil {
		p.laps.ResetSession()
	}
	if p.incar != nil {
		p.incar.ResetSession()
	}
	if p.external != nil {
		p.external.ResetSession()
	}
	if p.monitor != nil {
		p.monitor.NotifySessionChanged()
	}
	if p.hub != nil {
		p.hub.ReceiveReset(ctx, p.eventID)
	}
}

func (p *Pipeline) touchRelay(ctx context.Context, data []byte) {
	if p.relay == nil {
		return
	}
	connID := strings.TrimSpace(strings.Trim(string(data), `"`))
	if connID == "" {
		connID = p.eventID
	}
	if err := p.relay.TouchRelay(ctx, connID, p.now()); err != nil {
		p.logger.Warn().Err(err).Str("conn", connID).Msg("touching relay heartbeat")
	}
}

// finishMutation runs enrichment against the fresh snapshot, feeds the in-car
// quads, and records activity for the lifecycle monitor.
func (p *Pipeline) finishMutation(ctx context.Context) {
	state := p.sessions.Snapshot()
	overall, inClass := p.sessions.StartingPositions()
	patches := enrich.Positions(enrich.PositionInputs{
		Cars:            state.CarPositions,
		MultiloopActive: p.sessions.MultiloopActive(),
		OverallStart:    overall,
		InClassStart:    inClass,
	})
	for _, patch := range patches {
		p.applyCarPatch(patch)
	}

	if p.incar != nil {
		p.incar.Tick(ctx, p.sessions.Snapshot())
	}
	if p.monitor != nil {
		eventID, sessionID, _ := p.sessions.SessionRef()
		p.monitor.NoteActivity(ctx, eventID, sessionID)
	}
}

func (p *Pipeline) applySessionPatch(patch timing.SessionStatePatch) {
	if patch.Empty() {
		return
	}
	p.sessions.ApplySessionPatch(patch)
	p.consolidator.AddSession(patch)
	metrics.PatchesEmitted.WithLabelValues("session").Inc()
}

func (p *Pipeline) applyCarPatch(patch timing.CarPositionPatch) {
	if patch.Empty() {
		return
	}
	if err := p.sessions.ApplyCarPatch(patch); err != nil {
		p.logger.Error().Err(err).Msg("applying car patch")
		return
	}
	p.consolidator.AddCar(patch)
	metrics.PatchesEmitted.WithLabelValues("car").Inc()
}

func (p *Pipeline) applyCarPatches(ctx context.Context, patches []timing.CarPositionPatch) {
	if len(patches) == 0 {
		return
	}
	for _, patch := range patches {
		p.applyCarPatch(patch)
	}
	p.finishMutation(ctx)
}

func (p *Pipeline) decodeFailure(t timing.MessageType, err error) {
	metrics.DecodeFailures.WithLabelValues(string(t)).Inc()
	p.logger.Error().Err(err).Str("type", string(t)).Msg("decoding message")
}

func startCaptureAllowed(flag timing.Flag) bool {
	switch flag {
	case timing.FlagUnknown, timing.FlagYellow, timing.FlagGreen:
		return true
	default:
		return false
	}
}
