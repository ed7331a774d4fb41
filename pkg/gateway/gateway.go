// Package gateway is the HTTP admin surface of a peer: status, live peers,
// entering and leaving the critical section, and prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// what the gateway drives, satisfied by *coordinator.Coordinator
type Peer interface {
	Status() types.Status
	Peers() []types.PeerID
	Acquire(ctx context.Context) error
	Exit() error
}

type Server struct {
	httpServer *http.Server
	peer       Peer
	log        hclog.Logger
}

func NewServer(httpAddr string, peer Peer, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		peer: peer,
		log:  logger.Named("gateway"),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("POST /enter", s.handleEnter)
	mux.HandleFunc("POST /exit", s.handleExit)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type epochView struct {
	Timestamp time.Time `json:"timestamp"`
	Replies   int       `json:"replies"`
	Quorum    int       `json:"quorum"`
}

type statusView struct {
	ID            string               `json:"id"`
	State         string               `json:"state"`
	Epoch         *epochView           `json:"epoch,omitempty"`
	Pending       []string             `json:"pending"`
	LivePeers     map[string]time.Time `json:"live_peers"`
	LeaseDeadline *time.Time           `json:"lease_deadline,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.peer.Status()

	view := statusView{
		ID:        string(st.ID),
		State:     st.State.String(),
		Pending:   make([]string, 0, len(st.Pending)),
		LivePeers: make(map[string]time.Time, len(st.LivePeers)),
	}
	if st.Epoch != nil {
		view.Epoch = &epochView{
			Timestamp: st.Epoch.Timestamp,
			Replies:   st.Epoch.Replies,
			Quorum:    st.Epoch.Quorum,
		}
	}
	for _, id := range st.Pending {
		view.Pending = append(view.Pending, string(id))
	}
	for id, seen := range st.LivePeers {
		view.LivePeers[string(id)] = seen
	}
	if !st.LeaseDeadline.IsZero() {
		view.LeaseDeadline = &st.LeaseDeadline
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.peer.Peers()
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, string(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": names})
}

// blocks until HELD, bounded by the request context and an optional ?timeout=
func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", raw))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := s.peer.Acquire(ctx)
	switch {
	case err == nil:
		s.log.Info("critical section entered via gateway")
		writeJSON(w, http.StatusOK, map[string]string{"state": types.StateHeld.String()})
	case errors.Is(err, types.ErrAlreadyRequested), errors.Is(err, types.ErrLeaseExpired):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, context.Canceled):
		// client went away, nobody reads the answer
		s.log.Debug("enter abandoned by client")
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.peer.Exit(); err != nil {
		if errors.Is(err, types.ErrNotHeld) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": types.StateReleased.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
