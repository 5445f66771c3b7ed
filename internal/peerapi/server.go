// Package peerapi serves the discovery wire protocol. Every instance
// answers these endpoints on the peer port so other instances can find it:
//
//   - GET /status - identity check, used to verify a host is a peer
//   - GET /latest - this host's current usage snapshot
//   - GET /usage/{days} - this host's trailing snapshot history
//
// Requests are authenticated with the shared X-API-Key header when a key is
// configured.
package peerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetwatch/usage-mon/internal/cache"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

// maxUsageDays bounds the /usage/{days} window.
const maxUsageDays = 365

// SnapshotSource provides this host's current snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) *types.Snapshot
}

// HistorySource provides trailing snapshot history from the sink. May be
// absent on deployments without a database.
type HistorySource interface {
	ListHistoricalSnapshots(ctx context.Context, peerID string, days int) ([]types.HistoricalSnapshot, error)
}

// Identity is what this instance reports about itself on /status.
type Identity struct {
	ClientID   string
	Department string
	Monitoring bool
}

// Server is the peer protocol HTTP server.
type Server struct {
	identity  Identity
	apiKey    string
	snapshots SnapshotSource
	history   HistorySource // may be nil
	cache     *cache.Cache  // may be nil
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a peer API server.
func NewServer(identity Identity, apiKey string, snapshots SnapshotSource, history HistorySource, responseCache *cache.Cache, logger *slog.Logger) *Server {
	s := &Server{
		identity:  identity,
		apiKey:    apiKey,
		snapshots: snapshots,
		history:   history,
		cache:     responseCache,
		logger:    logger.With("component", "peer_api"),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /status", s.requireKey(s.handleStatus))
	s.mux.HandleFunc("GET /latest", s.requireKey(s.handleLatest))
	s.mux.HandleFunc("GET /usage/{days}", s.requireKey(s.handleUsage))
}

// requireKey rejects requests without the shared discovery key. With no key
// configured the check is skipped; a LAN with no key set is trusted.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			s.logger.Warn("rejected request with bad api key",
				"path", r.URL.Path,
				"remote", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.StatusResponse{
		ClientID:     s.identity.ClientID,
		Department:   s.identity.Department,
		IsMonitoring: s.identity.Monitoring,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Snapshot(r.Context())
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.PathValue("days"))
	if err != nil || days <= 0 || days > maxUsageDays {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be in 1-%d", maxUsageDays))
		return
	}

	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []types.HistoricalSnapshot{})
		return
	}

	cacheKey := fmt.Sprintf("usage:%s:%d", s.identity.ClientID, days)
	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cacheKey); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	snaps, err := s.history.ListHistoricalSnapshots(r.Context(), s.identity.ClientID, days)
	if err != nil {
		s.logger.Error("usage history lookup failed", "days", days, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load usage history")
		return
	}
	if snaps == nil {
		snaps = []types.HistoricalSnapshot{}
	}

	if s.cache != nil {
		data, err := json.Marshal(snaps)
		if err == nil {
			if err := s.cache.Set(r.Context(), cacheKey, data, cache.DefaultUsageTTL); err != nil {
				s.logger.Debug("failed to cache usage response", "error", err)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
