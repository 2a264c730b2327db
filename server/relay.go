package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicedesk/scheduler-relay/audio"
	"github.com/voicedesk/scheduler-relay/auth"
	"github.com/voicedesk/scheduler-relay/bridge"
	"github.com/voicedesk/scheduler-relay/config"
	"github.com/voicedesk/scheduler-relay/session"
	"github.com/voicedesk/scheduler-relay/types"
)

// LinkDialer opens the speech-backend channel for one session.
type LinkDialer func(ctx context.Context, uc types.UserContext) (bridge.AgentLink, error)

// RelayServer accepts inbound carrier media streams, resolves the caller's
// user context, and runs one bridge per call.
type RelayServer struct {
	cfg        *config.Config
	registry   *session.Registry
	resolver   *auth.Resolver
	dialLink   LinkDialer
	dispatcher bridge.Dispatcher

	baseCtx      context.Context
	announcement [][]byte
	upgrader     websocket.Upgrader
}

func NewRelayServer(ctx context.Context, cfg *config.Config, registry *session.Registry, resolver *auth.Resolver, dialLink LinkDialer, dispatcher bridge.Dispatcher) *RelayServer {
	s := &RelayServer{
		cfg:        cfg,
		registry:   registry,
		resolver:   resolver,
		dialLink:   dialLink,
		dispatcher: dispatcher,
		baseCtx:    ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if cfg.FallbackAnnouncement != "" {
		frames, err := audio.LoadAnnouncement(cfg.SoundsDir, cfg.FallbackAnnouncement)
		if err != nil {
			log.Printf("[RELAY] No fallback announcement available: %v", err)
		} else {
			s.announcement = frames
		}
	}
	return s
}

func (s *RelayServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media/{callSid}", s.handleMedia)
	return mux
}

// Serve runs the relay until ctx is cancelled.
func (s *RelayServer) Serve(ctx context.Context) error {
	server := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[RELAY] Listening on %s", s.cfg.ListenAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleMedia is the single accept path. Setup failures terminate the
// attempted connection before any Session exists; once registered, the
// registry entry is removed on every termination path.
func (s *RelayServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	callSid := r.PathValue("callSid")
	line := r.URL.Query().Get("line")

	uc, err := s.resolver.Resolve(r.Context(), callSid, line)
	switch {
	case errors.Is(err, auth.ErrInvalidIdentifier):
		log.Printf("[RELAY] Rejected connection: %v", err)
		http.Error(w, "invalid identifier", http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrUnauthorized):
		log.Printf("[RELAY] Rejected connection: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sess := types.NewSession(s.baseCtx, callSid, uc.UserID)
	if err := s.registry.Register(sess); err != nil {
		log.Printf("[RELAY] Rejected duplicate session for call %s", callSid)
		http.Error(w, "duplicate session", http.StatusConflict)
		return
	}
	defer func() {
		s.registry.Unregister(callSid)
		log.Printf("[RELAY] Call %s ended, %d active", callSid, s.registry.ActiveCount())
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[RELAY] Upgrade failed for call %s: %v", callSid, err)
		sess.Cancel()
		return
	}

	link, err := s.dialLink(sess.Context, uc)
	if err != nil {
		log.Printf("[RELAY] Speech link unavailable for call %s: %v", callSid, err)
		conn.Close()
		sess.Cancel()
		return
	}

	log.Printf("[RELAY] New call %s for user %d, %d active", callSid, uc.UserID, s.registry.ActiveCount())

	br := bridge.New(sess, uc, conn, link, s.dispatcher, s.detector(), s.bridgeConfig(callSid))
	br.Run()
}

func (s *RelayServer) detector() bridge.BargeInDetector {
	threshold := s.cfg.BargeInThreshold
	if threshold <= 0 {
		threshold = 600
	}
	minFrames := s.cfg.BargeInMinFrames
	if minFrames <= 0 {
		minFrames = 5
	}
	return audio.NewActivityDetector(threshold, minFrames)
}

func (s *RelayServer) bridgeConfig(callSid string) bridge.Config {
	cfg := bridge.Config{
		IdleTimeout:   time.Duration(s.cfg.IdleTimeoutSeconds) * time.Second,
		CloseGrace:    time.Duration(s.cfg.CloseGraceMillis) * time.Millisecond,
		OutboundQueue: s.cfg.OutboundQueue,
		Announcement:  s.announcement,
	}

	if s.cfg.CaptureEnabled {
		maxBytes := s.cfg.CaptureMaxKB * 1024
		if maxBytes <= 0 {
			maxBytes = 4 << 20
		}
		cfg.Capture = audio.NewCapture(maxBytes)
		cfg.CapturePath = filepath.Join(s.cfg.CaptureDir, callSid+".wav")
	}
	return cfg
}
