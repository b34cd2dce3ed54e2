// Package httpapi exposes the coordinator's side-channel HTTP surface:
// liveness/readiness, Prometheus-style metrics, an admin-token-gated reset
// trigger, and a read-only websocket mirror of the broadcast stream for
// browser-based "view" collaborators. None of this replaces the raw
// length-prefixed TCP wire protocol; no handler here submits a command.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldbus/worldbus/internal/broadcast"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/networking"
	"github.com/worldbus/worldbus/internal/roster"
)

// ReadinessProvider exposes coordinator state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative broadcast and highest-seq statistics.
type StatsFunc func() (broadcasts int, highestSeq uint64)

// Resetter triggers the coordinator's out-of-band reset (spec S6): truncate
// the session log, clear the broadcast stream. A reset is never a sequenced
// command.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ResetterFunc adapts a function into a Resetter.
type ResetterFunc func(ctx context.Context) error

// Reset implements Resetter.
func (f ResetterFunc) Reset(ctx context.Context) error { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// RosterProvider exposes the minimal surface required to administrate
// session participant capacity over HTTP.
type RosterProvider interface {
	Snapshot() roster.Snapshot
	AdjustCapacity(minParticipants, maxParticipants int) (roster.Snapshot, error)
}

// WatchSubscriber is satisfied by *broadcast.Stream; separated into an
// interface so handlers can be tested against a stub fan-out.
type WatchSubscriber interface {
	Subscribe(subscriberID string, buffer int) (*broadcast.Subscription, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Bandwidth   *networking.BandwidthRegulator
	ClientStats *networking.ClientMetrics
	Reset       Resetter
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Roster      RosterProvider
	Watch       WatchSubscriber
}

// HandlerSet bundles the coordinator's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	bandwidth   *networking.BandwidthRegulator
	clientStats *networking.ClientMetrics
	reset       Resetter
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	roster      RosterProvider
	watch       WatchSubscriber
	upgrader    websocket.Upgrader
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		bandwidth:   opts.Bandwidth,
		clientStats: opts.ClientStats,
		reset:       opts.Reset,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		roster:      opts.Roster,
		watch:       opts.Watch,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthzHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/admin/reset", h.ResetHandler())
	if h.roster != nil {
		mux.HandleFunc("/admin/roster/capacity", h.RosterCapacityHandler())
	}
	if h.watch != nil {
		mux.HandleFunc("/watch", h.WatchHandler())
	}
}

// HealthzHandler reports process liveness plus readiness details in one body.
func (h *HandlerSet) HealthzHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		Timestamp      string  `json:"timestamp"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", Timestamp: h.now().UTC().Format(time.RFC3339Nano)}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler emits Prometheus compatible text metrics describing the
// coordinator's session state.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcasts, highestSeq := h.metricsStats()
		pending, _ := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP worldbus_highest_seq Highest sequence durably admitted.\n")
		fmt.Fprintf(w, "# TYPE worldbus_highest_seq counter\n")
		fmt.Fprintf(w, "worldbus_highest_seq %d\n", highestSeq)

		fmt.Fprintf(w, "# HELP worldbus_broadcasts_total Total sequenced commands admitted and published.\n")
		fmt.Fprintf(w, "# TYPE worldbus_broadcasts_total counter\n")
		fmt.Fprintf(w, "worldbus_broadcasts_total %d\n", broadcasts)

		fmt.Fprintf(w, "# HELP worldbus_pending_clients Connected clients that have not yet submitted a command.\n")
		fmt.Fprintf(w, "# TYPE worldbus_pending_clients gauge\n")
		fmt.Fprintf(w, "worldbus_pending_clients %d\n", pending)

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP worldbus_bandwidth_bytes_per_second Observed outbound bandwidth per client.\n")
				fmt.Fprintf(w, "# TYPE worldbus_bandwidth_bytes_per_second gauge\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "worldbus_bandwidth_bytes_per_second{client=%q} %.2f\n", clientID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP worldbus_bandwidth_denied_total Total throttled deliveries per client.\n")
				fmt.Fprintf(w, "# TYPE worldbus_bandwidth_denied_total counter\n")
				for clientID, sample := range usage {
					fmt.Fprintf(w, "worldbus_bandwidth_denied_total{client=%q} %d\n", clientID, sample.DeniedDeliveries)
				}
			}
		}
		if h.clientStats != nil {
			counters := h.clientStats.Snapshot()
			fmt.Fprintf(w, "# HELP worldbus_frames_sent_total Frames delivered per client.\n")
			fmt.Fprintf(w, "# TYPE worldbus_frames_sent_total counter\n")
			for clientID, c := range counters {
				fmt.Fprintf(w, "worldbus_frames_sent_total{client=%q} %d\n", clientID, c.FramesSent)
			}
			fmt.Fprintf(w, "# HELP worldbus_frames_dropped_total Frames dropped per client.\n")
			fmt.Fprintf(w, "# TYPE worldbus_frames_dropped_total counter\n")
			for clientID, c := range counters {
				fmt.Fprintf(w, "worldbus_frames_dropped_total{client=%q} %d\n", clientID, c.FramesDropped)
			}
		}
		if h.roster != nil {
			snapshot := h.roster.Snapshot()
			fmt.Fprintf(w, "# HELP worldbus_active_participants Current roster size.\n")
			fmt.Fprintf(w, "# TYPE worldbus_active_participants gauge\n")
			fmt.Fprintf(w, "worldbus_active_participants %d\n", len(snapshot.ActiveParticipants))
		}
	}
}

// ResetHandler authorises and triggers the admitted reset path.
func (h *HandlerSet) ResetHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "reset"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("reset denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("reset denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("reset denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.reset == nil {
			reqLogger.Warn("reset denied: no resetter configured")
			http.Error(w, "reset is unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.reset.Reset(r.Context()); err != nil {
			reqLogger.Error("reset trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger reset", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("reset triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

// RosterCapacityHandler authorises and applies runtime roster capacity adjustments.
func (h *HandlerSet) RosterCapacityHandler() http.HandlerFunc {
	type request struct {
		MinParticipants *int `json:"min_participants"`
		MaxParticipants *int `json:"max_participants"`
	}
	type response struct {
		Status             string          `json:"status"`
		SessionID          string          `json:"session_id"`
		Capacity           roster.Capacity `json:"capacity"`
		ActiveParticipants []string        `json:"active_participants"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "roster_capacity"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			logger.Warn("capacity adjustment denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("capacity adjustment denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("capacity adjustment denied: invalid payload", logging.Error(err))
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		current := h.roster.Snapshot()
		minParticipants := current.Capacity.MinParticipants
		maxParticipants := current.Capacity.MaxParticipants
		if req.MinParticipants != nil {
			minParticipants = *req.MinParticipants
		}
		if req.MaxParticipants != nil {
			maxParticipants = *req.MaxParticipants
		}
		updated, err := h.roster.AdjustCapacity(minParticipants, maxParticipants)
		if err != nil {
			logger.Warn("capacity adjustment denied: invalid configuration", logging.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("roster capacity adjusted",
			logging.Int("min_participants", updated.Capacity.MinParticipants),
			logging.Int("max_participants", updated.Capacity.MaxParticipants))
		writeJSON(w, http.StatusOK, response{
			Status:             "ok",
			SessionID:          updated.SessionID,
			Capacity:           updated.Capacity,
			ActiveParticipants: updated.ActiveParticipants,
		})
	}
}

// WatchHandler upgrades to a websocket and mirrors the broadcast stream
// read-only, for browser-based viewers. It never accepts commands back.
func (h *HandlerSet) WatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("watch upgrade failed", logging.Error(err))
			return
		}
		defer conn.Close()

		subscriberID := fmt.Sprintf("watch-%s-%d", r.RemoteAddr, h.now().UnixNano())
		sub, err := h.watch.Subscribe(subscriberID, 64)
		if err != nil {
			h.logger.Warn("watch subscribe failed", logging.Error(err))
			return
		}
		defer sub.Close()

		for record := range sub.Events() {
			if err := conn.WriteJSON(record); err != nil {
				return
			}
			_ = sub.Ack(record.Seq)
		}
	}
}

func (h *HandlerSet) metricsStats() (broadcasts int, highestSeq uint64) {
	if h.stats != nil {
		return h.stats()
	}
	return 0, 0
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotClientCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
