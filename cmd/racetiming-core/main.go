// racetiming-core is the per-event timing process: it drains the event's feed
// stream, maintains the authoritative session state, and fans enriched
// updates out to subscribers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/aggregate"
	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/config"
	"github.com/gridwire/racetiming/internal/consolidate"
	"github.com/gridwire/racetiming/internal/controllog"
	"github.com/gridwire/racetiming/internal/enrich"
	"github.com/gridwire/racetiming/internal/flagproc"
	"github.com/gridwire/racetiming/internal/hub"
	"github.com/gridwire/racetiming/internal/incar"
	"github.com/gridwire/racetiming/internal/ingress"
	"github.com/gridwire/racetiming/internal/laps"
	"github.com/gridwire/racetiming/internal/logging"
	"github.com/gridwire/racetiming/internal/logsink"
	"github.com/gridwire/racetiming/internal/monitor"
	"github.com/gridwire/racetiming/internal/pipeline"
	"github.com/gridwire/racetiming/internal/pitloop"
	"github.com/gridwire/racetiming/internal/session"
	"github.com/gridwire/racetiming/internal/startpos"
	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "racetiming-core: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	logger = logger.With().Str("event", cfg.EventID).Logger()
	logger.Info().Msg("starting event process")

	br, err := broker.New(ctx, broker.Config{Addr: cfg.RedisSvc, Password: cfg.RedisPw})
	if err != nil {
		return err
	}
	defer br.Close()

	st, err := store.Open(cfg.DBDSN)
	if err != nil {
		return err
	}

	sessions, err := bootstrapSession(ctx, cfg.EventID, st, logger)
	if err != nil {
		return err
	}

	h := hub.New(logger)

	aggregator, err := aggregate.New(aggregate.Config{
		Sessions: sessions,
		Hub:      h,
		Cache:    br,
		Logger:   logger,
		CacheTTL: cfg.PayloadCacheTTL,
	})
	if err != nil {
		return err
	}
	// Broadcasts outlive the run context: the shutdown flush still has to
	// reach subscribers after cancellation.
	consolidator, err := consolidate.New(consolidate.Config{
		Logger: logger,
		Window: cfg.ConsolidateDebounce,
		Emit:   func(b consolidate.Batch) { aggregator.Broadcast(context.Background(), b) },
	})
	if err != nil {
		return err
	}

	// Enrichment patches computed off the message path still flow through the
	// authoritative state and the consolidator.
	emitCarPatch := func(p timing.CarPositionPatch) {
		if err := sessions.ApplyCarPatch(p); err != nil {
			logger.Error().Err(err).Msg("applying enrichment patch")
			return
		}
		consolidator.AddCar(p)
	}

	ctlSource, err := controllog.NewCacheSource(br)
	if err != nil {
		return err
	}
	ctl, err := controllog.New(controllog.Config{
		EventID:   cfg.EventID,
		Source:    ctlSource,
		Parameter: broker.ControlLogKey(cfg.EventID),
		Hub:       h,
		Logger:    logger,
		Interval:  cfg.ControlLogReload,
		Emit:      emitCarPatch,
	})
	if err != nil {
		return err
	}
	mon, err := monitor.New(monitor.Config{
		Sessions:      sessions,
		Store:         st,
		ControlLogs:   ctl,
		Logger:        logger,
		LapTimeout:    cfg.FinalizationTimeout,
		TouchDebounce: cfg.LastUpdatedDebounce,
	})
	if err != nil {
		return err
	}
	flags, err := flagproc.New(flagproc.Config{Sessions: sessions, Store: st, Logger: logger})
	if err != nil {
		return err
	}
	pits, err := pitloop.New(pitloop.Config{EventID: cfg.EventID, Cars: sessions, Store: st, Logger: logger})
	if err != nil {
		return err
	}
	lapProc, err := laps.New(laps.Config{
		Sessions: sessions,
		Appender: br,
		Pits:     pits,
		Logger:   logger,
		Debounce: cfg.LapDebounce,
		Emit:     emitCarPatch,
	})
	if err != nil {
		return err
	}
	inCar, err := incar.New(incar.Config{
		EventID:  cfg.EventID,
		Hub:      h,
		Cache:    br,
		Logger:   logger,
		CacheTTL: cfg.PayloadCacheTTL,
	})
	if err != nil {
		return err
	}
	external, err := enrich.NewExternal(enrich.ExternalConfig{
		EventID:  cfg.EventID,
		Cars:     sessions,
		Hub:      h,
		Cache:    br,
		Logger:   logger,
		CacheTTL: cfg.PayloadCacheTTL,
	})
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(pipeline.Config{
		EventID:      cfg.EventID,
		Sessions:     sessions,
		Flags:        flags,
		Pits:         pits,
		Laps:         lapProc,
		InCar:        inCar,
		External:     external,
		Consolidator: consolidator,
		Hub:          h,
		Monitor:      mon,
		Relay:        br,
		Logger:       logger,
		PitRelease:   lapProc.PitRelease(),
	})
	if err != nil {
		return err
	}

	starts, err := startpos.New(startpos.Config{
		Sessions: sessions,
		Store:    st,
		Logger:   logger,
		Interval: cfg.StartingPositionScan,
	})
	if err != nil {
		return err
	}
	sink, err := logsink.New(logsink.Config{
		EventID:   cfg.EventID,
		Broker:    br,
		Store:     st,
		Logger:    logger,
		BatchSize: int64(cfg.IngressBatchSize),
		Backoff:   cfg.IngressBackoff,
	})
	if err != nil {
		return err
	}
	reader, err := ingress.New(ingress.Config{
		EventID:    cfg.EventID,
		Broker:     br,
		Dispatcher: pipe,
		Logger:     logger,
		BatchSize:  int64(cfg.IngressBatchSize),
		Backoff:    cfg.IngressBackoff,
	})
	if err != nil {
		return err
	}

	if err := pushCompetitorMetadata(ctx, cfg.EventID, st, inCar, h, logger); err != nil {
		logger.Warn().Err(err).Msg("loading competitor metadata")
	}

	srv := newServer(cfg, sessions, h, br, logger)

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	ingressCtx, cancelIngress := context.WithCancel(bgCtx)
	defer cancelIngress()

	var wg sync.WaitGroup
	runBg := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
			logger.Debug().Str("loop", name).Msg("loop stopped")
		}()
	}
	runBg("logsink", func(c context.Context) { _ = sink.Run(c) })
	runBg("controllog", ctl.Run)
	runBg("startpos", starts.Run)
	runBg("laps", lapProc.Run)
	runBg("monitor", func(c context.Context) { runMonitorTicks(c, mon) })
	runBg("signals", func(c context.Context) { runSignalListeners(c, cfg.EventID, br, mon, pits, srv, logger) })
	runBg("http", func(c context.Context) { srv.run(c) })

	wg.Add(1)
	ingressDone := make(chan error, 1)
	go func() {
		defer wg.Done()
		ingressDone <- reader.Run(ingressCtx)
	}()
	srv.setReady(true)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Ingress stops first so no new mutations land, the consolidator drains
	// within its grace period, then the live session finalizes.
	cancelIngress()
	select {
	case <-ingressDone:
	case <-time.After(2 * cfg.ConsolidateDebounce):
	}
	consolidator.Flush()

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	mon.Finalize(finalCtx, sessions.Snapshot())

	cancelBg()
	wg.Wait()
	return nil
}

// bootstrapSession seeds the authoritative state from the event's last known
// session so a restart rejoins the run in progress.
func bootstrapSession(ctx context.Context, eventID string, st *store.Store, logger zerolog.Logger) (*session.Context, error) {
	sess, err := st.LatestSession(ctx, eventID)
	if err != nil {
		logger.Warn().Err(err).Msg("no previous session, starting fresh")
		return session.NewContext(eventID, "", "")
	}
	logger.Info().Str("session", sess.SessionID).Str("name", sess.Name).Msg("resuming session")
	return session.NewContext(eventID, sess.SessionID, sess.Name)
}

func pushCompetitorMetadata(ctx context.Context, eventID string, st *store.Store, inCar *incar.Processor, h *hub.Hub, logger zerolog.Logger) error {
	rows, err := st.CompetitorMetadataForEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	details := make(map[string]incar.CompetitorDetail, len(rows))
	for _, row := range rows {
		details[row.CarNumber] = incar.CompetitorDetail{Make: row.Make, Engine: row.Engine, Team: row.Team}
	}
	inCar.SetMetadata(details)
	h.ReceiveCompetitorMetadata(ctx, eventID, rows)
	logger.Info().Int("cars", len(rows)).Msg("competitor metadata loaded")
	return nil
}

func runMonitorTicks(ctx context.Context, mon *monitor.Monitor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Tick(ctx)
		}
	}
}

// runSignalListeners bridges the broker pub/sub channels into the process:
// shutdown signals finalize, configuration changes reload loop metadata, and
// full-status requests replay the cached payload.
func runSignalListeners(ctx context.Context, eventID string, br *broker.Client, mon *monitor.Monitor, pits *pitloop.Processor, srv *server, logger zerolog.Logger) {
	shutdown := br.Subscribe(ctx, broker.ShutdownChannel)
	confChanged := br.Subscribe(ctx, broker.ConfChangedChannel)
	fullStatus := br.Subscribe(ctx, broker.FullStatusChannel)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-shutdown:
			if !ok {
				return
			}
			mon.HandleShutdownSignal(ctx, payload)
		case payload, ok := <-confChanged:
			if !ok {
				return
			}
			if payload != eventID {
				continue
			}
			if err := pits.ReloadLoops(ctx); err != nil {
				logger.Error().Err(err).Msg("reloading loop metadata")
			}
		case payload, ok := <-fullStatus:
			if !ok {
				return
			}
			if payload != eventID {
				continue
			}
			srv.replayFullStatus(ctx)
		}
	}
}
