// Package gateway serves the real-time chat protocol over WebSocket.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ashureev/agentdesk/internal/auth"
	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/memory"
	"github.com/ashureev/agentdesk/internal/router"
	"github.com/ashureev/agentdesk/internal/session"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Config controls per-connection behavior.
type Config struct {
	HeartbeatTimeout  time.Duration
	AuthGracePeriod   time.Duration
	OutboundQueueSize int
	InboundQueueSize  int
	TurnRatePerMinute int
	AllowedOrigins    []string
	IsDev             bool
}

func (c *Config) withDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.AuthGracePeriod <= 0 {
		c.AuthGracePeriod = 10 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 16
	}
}

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Deps are the collaborators of a connection.
type Deps struct {
	Auth     *auth.Authenticator
	Chats    *chats.Manager
	Router   *router.Router
	Memory   *memory.Store
	Sessions *session.Manager
	Bus      bus.Bus
	Users    LastSeenUpdater
}

// Handler upgrades HTTP requests to chat connections.
type Handler struct {
	deps     Deps
	cfg      Config
	limiters *limiterSet
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(deps Deps, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	return &Handler{
		deps:     deps,
		cfg:      cfg,
		limiters: newLimiterSet(cfg.TurnRatePerMinute),
		logger:   logger.With("component", "gateway"),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := auth.IPFromRequest(r)
	h.logger.Info("WebSocket connection request", "ip", ip)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", ip)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "ip", ip)
		}
	}()
	ws.SetReadLimit(readLimit)

	c := newConn(h, ws, h.logger.With("ip", ip))
	c.run(r.Context())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.cfg.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigins)
	return false
}

// limiterSet hands out one turn rate limiter per user, shared by all of the
// user's connections.
type limiterSet struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(perMinute int) *limiterSet {
	return &limiterSet{perMin: perMinute, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether userID may start another turn now.
func (s *limiterSet) Allow(userID string) bool {
	if s.perMin <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), min(s.perMin, 5))
		s.limiters[userID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
