package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"SwarmSync/internal/account"
	"SwarmSync/internal/logger"
	"SwarmSync/internal/message"
	"SwarmSync/internal/poller"
	"SwarmSync/internal/sender"
	"SwarmSync/internal/swarm"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 64 << 10

	// pollRate and pollBurst limit manual polls.
	pollRate  = rate.Limit(1)
	pollBurst = 3

	// pollTimeout bounds a manual poll.
	pollTimeout = 30 * time.Second
)

// UserPoller is the running user poller.
type UserPoller interface {
	State() poller.State
	PollOnce(ctx context.Context) (poller.UserPass, error)
}

// GroupPollers gives access to the running group pollers. poller.Manager
// implements it.
type GroupPollers interface {
	Groups() []account.ID
	Group(id account.ID) (*poller.GroupPoller, bool)
}

// Sender sends messages.
type Sender interface {
	Send(ctx context.Context, msg *message.Message, dest sender.Destination) (sender.Result, error)
}

// Network exposes the node pool and the network clock.
type Network interface {
	Directory() *swarm.Directory
	Clock() *swarm.Clock
}

// Config configures a Server.
type Config struct {
	Addr    string
	Account account.ID
	User    UserPoller
	Groups  GroupPollers
	Sender  Sender
	Network Network
	Metrics http.Handler
}

// Server is the local HTTP control API.
type Server struct {
	cfg     Config
	limiter *rate.Limiter // limiter bounds manual polls
	server  *http.Server  // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		limiter: rate.NewLimiter(pollRate, pollBurst),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.HandleFunc("POST /send", s.handleSend)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: pollTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"account": s.cfg.Account.Hex(),
	}

	if s.cfg.Network != nil {
		resp["pool"] = len(s.cfg.Network.Directory().Pool())
		resp["clockOffsetMs"] = s.cfg.Network.Clock().Offset()
	}

	if s.cfg.User != nil {
		resp["user"] = s.cfg.User.State().String()
	}

	if s.cfg.Groups != nil {
		groups := make(map[string]string)
		for _, id := range s.cfg.Groups.Groups() {
			if p, ok := s.cfg.Groups.Group(id); ok {
				groups[id.Hex()] = p.State().String()
			}
		}
		resp["groups"] = groups
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePoll handles POST /poll requests. The target query parameter is
// "user" (default) or a group id. Concurrent requests share a pass.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many manual polls")
		return
	}

	target := r.URL.Query().Get("target")

	ctx, cancel := context.WithTimeout(r.Context(), pollTimeout)
	defer cancel()

	var (
		messages int
		err      error
	)

	switch target {
	case "", "user":
		if s.cfg.User == nil {
			writeError(w, http.StatusServiceUnavailable, "user poller not running")
			return
		}
		var pass poller.UserPass
		pass, err = s.cfg.User.PollOnce(ctx)
		messages = pass.Messages

	default:
		id, perr := parseGroupID(target)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}

		p, ok := s.groupPoller(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no poller for group")
			return
		}

		var pass poller.GroupPass
		pass, err = p.PollOnce(ctx)
		messages = pass.Messages
	}

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, poller.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"target":   target,
		"messages": messages,
	})
}

func (s *Server) groupPoller(id account.ID) (*poller.GroupPoller, bool) {
	if s.cfg.Groups == nil {
		return nil, false
	}

	return s.cfg.Groups.Group(id)
}

// handleSend handles POST /send requests.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sender == nil {
		writeError(w, http.StatusServiceUnavailable, "sending not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, dest, err := req.build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.cfg.Sender.Send(r.Context(), msg, dest)
	if err != nil {
		status := http.StatusBadRequest
		if sender.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	logger.Debug("message sent via api", "id", res.ID, "destination", dest)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        res.ID.String(),
		"hash":      res.Hash,
		"serverId":  res.ServerID,
		"timestamp": res.Timestamp,
		"synced":    res.Synced,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
