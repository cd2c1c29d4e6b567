// Package server implements the ingestion endpoint that accepts batch uploads
// from courier agents and organizes them into sharded storage.
//
// Request handling order for uploads: network allow-list, then token, then
// form validation, then extraction. Denials happen before any work is done.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/shard"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on.
	Port int

	// Token is the shared secret clients present in X-API-Token.
	Token string

	// MaxUploadBytes bounds a single upload body.
	MaxUploadBytes int64

	// AllowedNetworks, when non-empty, restricts uploads to callers whose
	// address falls inside one of the prefixes.
	AllowedNetworks []netip.Prefix

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           5000,
		MaxUploadBytes: 100 << 20,
		SweepInterval:  24 * time.Hour,
		Logger:         log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server accepts uploads and serves the operational endpoints.
type Server struct {
	config    *Config
	organizer *shard.Organizer
	sweeper   *shard.Sweeper
	feed      *Feed

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server. The token is the shared secret every request must
// present; refusing to start without one keeps a misconfigured server from
// accepting anonymous uploads.
func New(organizer *shard.Organizer, sweeper *shard.Sweeper, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("API token cannot be empty")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		organizer: organizer,
		sweeper:   sweeper,
		feed:      newFeed(ctx, config.Logger),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// routes builds the HTTP mux. Split out so tests can drive the handlers
// through httptest without a real listener.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /live", s.feed.handleWS)
	return mux
}

// Start begins listening and launches the broadcast and sweep loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go s.feed.loop(s.ctx, &s.wg)

	s.wg.Add(1)
	go s.sweepLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Ingestion server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, letting in-flight uploads finish.
func (s *Server) Stop() error {
	s.logger.Println("Stopping ingestion server")

	s.cancel()
	s.feed.closeAll()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Ingestion server stopped")
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// sweepLoop runs the retention sweeper on the configured schedule.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			stats, err := s.sweeper.Sweep(time.Now().UTC())
			if err != nil {
				s.logger.Printf("Retention sweep failed: %v", err)
				continue
			}
			s.logger.Printf("Retention sweep: %d shards removed, %d producers removed, %d errors",
				stats.ShardsRemoved, stats.ProducersRemoved, stats.Errors)
			s.feed.BroadcastSweep(stats)
		}
	}
}

// remoteAllowed checks the caller's address against the allow-list using
// proper prefix containment. An empty list allows everyone.
func (s *Server) remoteAllowed(remoteAddr string) bool {
	if len(s.config.AllowedNetworks) == 0 {
		return true
	}

	addrPort, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	addr := addrPort.Addr().Unmap()

	for _, prefix := range s.config.AllowedNetworks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get("X-API-Token") == s.config.Token
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Origin denial takes precedence over authentication.
	if !s.remoteAllowed(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid API token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "empty filename")
		return
	}

	producerID := r.FormValue("producerId")
	if producerID == "" {
		writeError(w, http.StatusBadRequest, "missing producerId")
		return
	}

	uploadedAt := time.Now().UTC()
	if v := r.FormValue("uploadedAt"); v != "" {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "malformed uploadedAt")
			return
		}
	}

	uploadID := uuid.NewString()[:8]
	s.logger.Printf("Upload %s from %s: %s (%d bytes)", uploadID, producerID, header.Filename, header.Size)

	// Extraction is sharded by the server's calendar date, matching the
	// sweeper's eviction key.
	if err := s.organizer.Extract(producerID, file, uploadedAt); err != nil {
		s.logger.Printf("Upload %s extraction failed: %v", uploadID, err)
		writeError(w, http.StatusInternalServerError, "failed to process upload")
		return
	}

	s.feed.BroadcastUpload(producerID, header.Filename, header.Size)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"producerId": producerID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid API token")
		return
	}

	stats, err := shard.CollectStats(s.organizer.Root())
	if err != nil {
		s.logger.Printf("Stats collection failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid API token")
		return
	}

	stats, err := s.sweeper.Sweep(time.Now().UTC())
	if err != nil {
		s.logger.Printf("Manual sweep failed: %v", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	s.logger.Printf("Manual sweep: %d shards removed, %d producers removed", stats.ShardsRemoved, stats.ProducersRemoved)
	s.feed.BroadcastSweep(stats)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"shardsRemoved":    stats.ShardsRemoved,
		"producersRemoved": stats.ProducersRemoved,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
