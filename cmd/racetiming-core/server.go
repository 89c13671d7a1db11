package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/config"
	"github.com/gridwire/racetiming/internal/hub"
	"github.com/gridwire/racetiming/internal/metrics"
)

// clientMessage is one inbound websocket frame: an invocation of a hub method.
type clientMessage struct {
	Method    string            `json:"method"`
	Arguments []json.RawMessage `json:"arguments"`
}

// sessionRef is the slice of the session context the server reads.
type sessionRef interface {
	SessionRef() (eventID, sessionID, sessionName string)
}

// payloadCache reads the consolidated payload mirror for replay.
type payloadCache interface {
	GetCache(ctx context.Context, key string) (string, bool, error)
}

// server owns the HTTP surface: the websocket endpoint, health probes, and the
// metrics exporter.
type server struct {
	cfg      config.Config
	sessions sessionRef
	hub      *hub.Hub
	cache    payloadCache
	logger   zerolog.Logger

	upgrader websocket.Upgrader
	ready    atomic.Bool
}

func newServer(cfg config.Config, sessions sessionRef, h *hub.Hub, cache payloadCache, logger zerolog.Logger) *server {
	return &server{
		cfg:      cfg,
		sessions: sessions,
		hub:      h,
		cache:    cache,
		logger:   logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Relay agents and browser clients connect from anywhere; auth is
			// terminated upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) setReady(ready bool) {
	s.ready.Store(ready)
}

// run serves until ctx is cancelled, then drains with a short grace period.
func (s *server) run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz/startup", s.handleHealth)
	mux.HandleFunc("/healthz/live", s.handleLive)
	mux.HandleFunc("/healthz/ready", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error().Err(err).Msg("http server stopped")
	}
	<-done
}

func (s *server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleWS upgrades the connection and runs its read loop. Clients drive group
// membership with SubscribeToEvent, UnsubscribeFromEvent, and JoinGroup.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrading connection")
		return
	}
	conn := hub.NewConn(ws)
	s.hub.Register(conn)
	s.logger.Debug().Str("client", conn.ID()).Msg("client connected")

	defer func() {
		s.hub.Unregister(conn.ID())
		conn.Close()
		s.logger.Debug().Str("client", conn.ID()).Msg("client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Str("client", conn.ID()).Msg("dropping malformed client message")
			continue
		}
		s.dispatchClient(r.Context(), conn.ID(), msg)
	}
}

func (s *server) dispatchClient(ctx context.Context, clientID string, msg clientMessage) {
	arg := func(i int) string {
		if i >= len(msg.Arguments) {
			return ""
		}
		var v string
		if err := json.Unmarshal(msg.Arguments[i], &v); err != nil {
			return ""
		}
		return v
	}

	switch msg.Method {
	case "SubscribeToEvent":
		eventID := arg(0)
		if err := s.hub.SubscribeToEvent(clientID, eventID); err != nil {
			s.logger.Warn().Err(err).Str("client", clientID).Msg("subscribing client")
			return
		}
		s.replayTo(ctx, eventID)
	case "UnsubscribeFromEvent":
		s.hub.UnsubscribeFromEvent(clientID, arg(0))
	case "JoinGroup":
		if err := s.hub.JoinGroup(clientID, arg(0)); err != nil {
			s.logger.Warn().Err(err).Str("client", clientID).Msg("joining group")
		}
	default:
		s.logger.Debug().Str("method", msg.Method).Msg("ignoring unknown client method")
	}
}

// replayFullStatus re-broadcasts the cached consolidated payload to the
// event's legacy group, serving the fullstatus pub/sub request.
func (s *server) replayFullStatus(ctx context.Context) {
	eventID, _, _ := s.sessions.SessionRef()
	s.replayTo(ctx, eventID)
}

func (s *server) replayTo(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	raw, ok, err := s.cache.GetCache(ctx, broker.PayloadKey(eventID))
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading cached payload")
		return
	}
	if !ok {
		return
	}
	var payload interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.logger.Warn().Err(err).Msg("decoding cached payload")
		return
	}
	s.hub.ReceiveMessage(ctx, eventID, payload)
}
