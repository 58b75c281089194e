// Package httpapi implements the static HTTP surface (spec.md §6):
// canvas.png, serverconfig.json, my_user_id, the /ws upgrade, a static
// file fallback, and /metrics for Prometheus scraping.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/serverscanning/place-ipv6-server/internal/abuse"
	"github.com/serverscanning/place-ipv6-server/internal/session"
	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

// CanvasSource is implemented by the Aggregator.
type CanvasSource interface {
	FullCanvasPNG() []byte
}

// Config configures Server.
type Config struct {
	Log *slog.Logger

	Canvas       CanvasSource
	Tracker      *abuse.Tracker // nil disables per-user PPS
	PublicPrefix string

	Topics session.Topics

	TrustedProxyCIDRs []*net.IPNet
	StaticDir         string

	// RatePerSecond and RateBurst bound per-peer requests to
	// /my_user_id and /ws; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Server is the HTTP surface of pingcanvasd.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	liveConnections atomic.Int64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	lastNudity atomic.Value // session.NudityUpdate
}

// New constructs a Server and its routing mux.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiters: make(map[string]*rate.Limiter),
	}
	s.lastNudity.Store(session.NudityUpdate{})
	return s
}

// SetLastNudity records the most recent classification verdict, surfaced
// via the nudity topic and get_nudity_update_once.
func (s *Server) SetLastNudity(u session.NudityUpdate) {
	s.lastNudity.Store(u)
}

// Handler returns the complete routed http.Handler for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /canvas.png", s.handleCanvas)
	mux.HandleFunc("GET /serverconfig.json", s.handleServerConfig)
	mux.HandleFunc("GET /my_user_id", s.handleMyUserID)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return mux
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	png := s.cfg.Canvas.FullCanvasPNG()

	w.Header().Set("Content-Type", "image/png")
	if r.URL.Query().Get("allow_cache") != "true" {
		w.Header().Set("Cache-Control", "no-store")
	}
	_, _ = w.Write(png)
}

type serverConfigResponse struct {
	PublicPrefix        string `json:"public_prefix,omitempty"`
	Width               int    `json:"width"`
	Height              int    `json:"height"`
	BuiltWithPerUserPPS bool   `json:"built_with_per_user_pps_support"`
}

func (s *Server) handleServerConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverConfigResponse{
		PublicPrefix:        s.cfg.PublicPrefix,
		Width:               512,
		Height:              512,
		BuiltWithPerUserPPS: s.cfg.Tracker != nil,
	})
}

type myUserIDResponse struct {
	IP     string `json:"ip,omitempty"`
	UserID uint64 `json:"user_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleMyUserID(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, "my_user_id") {
		writeJSON(w, http.StatusTooManyRequests, myUserIDResponse{Error: "rate limited"})
		return
	}

	ip := ClientIP(r, s.cfg.TrustedProxyCIDRs)
	if ip == nil {
		writeJSON(w, http.StatusOK, myUserIDResponse{Error: "could not determine client address"})
		return
	}
	if s.cfg.Tracker == nil {
		writeJSON(w, http.StatusOK, myUserIDResponse{IP: ip.String(), Error: "per-user PPS tracking is disabled"})
		return
	}

	id, ok := s.cfg.Tracker.Lookup(ip)
	if !ok {
		// spec.md §9: failure status code is unresolved upstream; 200 with
		// an error body is the documented baseline.
		writeJSON(w, http.StatusOK, myUserIDResponse{IP: ip.String(), Error: "no activity recorded yet"})
		return
	}
	writeJSON(w, http.StatusOK, myUserIDResponse{IP: ip.String(), UserID: uint64(id)})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, "ws") {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("httpapi: websocket upgrade failed", "error", err)
		return
	}

	s.liveConnections.Add(1)
	telemetry.LiveConnections.Inc()
	if s.cfg.Topics.WSCount != nil {
		s.cfg.Topics.WSCount.Publish(int(s.liveConnections.Load()))
	}
	release := func() {
		n := s.liveConnections.Add(-1)
		telemetry.LiveConnections.Dec()
		if s.cfg.Topics.WSCount != nil {
			s.cfg.Topics.WSCount.Publish(int(n))
		}
	}

	snapshot := &serverSnapshot{server: s}
	sess := session.New(s.log, conn, s.cfg.Topics, snapshot, release)
	sess.Run()
}

// serverSnapshot adapts Server to session.Snapshot.
type serverSnapshot struct {
	server *Server
}

func (sn *serverSnapshot) FullCanvasPNG() []byte { return sn.server.cfg.Canvas.FullCanvasPNG() }
func (sn *serverSnapshot) LiveConnectionCount() int {
	return int(sn.server.liveConnections.Load())
}
func (sn *serverSnapshot) LastNudity() session.NudityUpdate {
	return sn.server.lastNudity.Load().(session.NudityUpdate)
}

// allow applies the configured per-peer rate limit to endpoint, keyed by
// client IP. A zero RatePerSecond disables limiting entirely.
func (s *Server) allow(r *http.Request, endpoint string) bool {
	if s.cfg.RatePerSecond <= 0 {
		return true
	}
	ip := ClientIP(r, s.cfg.TrustedProxyCIDRs)
	key := endpoint + "|" + ip.String()

	s.limiterMu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
		s.limiters[key] = lim
	}
	s.limiterMu.Unlock()

	return lim.Allow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
