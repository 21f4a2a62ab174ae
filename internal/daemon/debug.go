package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/portal/internal/api"
	"github.com/g960059/portal/internal/metrics"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const (
	keyHeader      = "X-Portal-Key"
	wsWriteTimeout = 2 * time.Second
)

// DebugHandler serves /metrics, /v1/health, /v1/status and the /v1/stream
// websocket.
func (s *Server) DebugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/stream", s.streamHandler)
	return mux
}

// ServeDebug serves DebugHandler on addr until ctx ends.
func (s *Server) ServeDebug(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.DebugHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("debug listener", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	status := "ok"
	if !s.ProviderEnabled() {
		status = "disabled"
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        status,
		Provider:      s.cfg.Provider,
		Enabled:       s.ProviderEnabled(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, wire.CodeStaleSession, "session key required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.Status())
}

// Status summarizes the fabrication state and the daemon's registries.
func (s *Server) Status() api.StatusResponse {
	snap := s.engine.Store().Snapshot()
	stats := s.dispatcher.Samples().Stats()
	var intercepts []string
	if s.hooks != nil {
		intercepts = s.hooks.Points()
	}
	return api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Provider:      s.cfg.Provider,
		LocationMode:  snap.LocationMode.String(),
		Mock:          snap.Features.Has(state.FeatureMock),
		Features:      snap.Features.Names(),
		Position: api.PositionItem{
			Lat:      snap.Lat,
			Lon:      snap.Lon,
			Altitude: snap.Altitude,
			Accuracy: snap.Accuracy,
			Speed:    snap.Speed,
			Bearing:  snap.Bearing,
		},
		Listeners:       s.listeners.Live(),
		ReverseChannels: s.proxies.Live(),
		Geofences:       s.dispatcher.Geofences().Len(),
		Pool: api.PoolItem{
			Obtained:  stats.Obtained,
			Recycled:  stats.Recycled,
			Created:   stats.Created,
			Hits:      stats.Hits,
			Discarded: stats.Discarded,
			Idle:      stats.Idle,
			HitRate:   stats.HitRate,
		},
		Broadcast: api.BroadcastStatus{
			Interval: s.broadcaster.Interval().String(),
			Ticks:    s.broadcaster.Ticks(),
			Skipped:  s.broadcaster.Skipped(),
		},
		Intercepts: intercepts,
	}
}

// authorized accepts the session key from the X-Portal-Key header or the
// key query parameter.
func (s *Server) authorized(r *http.Request) bool {
	key := strings.TrimSpace(r.Header.Get(keyHeader))
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	return s.dispatcher.Authorize(key, wire.CmdGetLocation) == nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamHandler registers a websocket client as a location listener. Each
// sample and geofence frame is sent as one JSON text message.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, wire.CodeStaleSession, "session key required")
		return
	}
	env := wire.NewEnvelope(wire.CmdGetLocation)
	q := r.URL.Query()
	if v := q.Get(wire.FieldQuality); v != "" {
		env.Set(wire.FieldQuality, wire.String(v))
	}
	if v := q.Get(wire.FieldTarget); v != "" {
		env.Set(wire.FieldTarget, wire.String(v))
	}
	var (
		writeMu sync.Mutex
		conn    *websocket.Conn
	)
	l, err := s.newListener(env, func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f)
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, wire.Code(err), err.Error())
		return
	}
	conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	handle := s.listeners.Register(l, s.engine.Now())
	defer handle.Release()
	metrics.SetListeners(s.listeners.Live())
	s.logger.Debug("websocket listener registered", "id", handle.ID, "remote", r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	runtime.KeepAlive(l)
	handle.Release()
	metrics.SetListeners(s.listeners.Live())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidArgument, "method not allowed")
}
