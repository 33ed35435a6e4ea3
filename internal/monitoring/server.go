package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/solo"
	"github.com/shizukutanaka/Hibiki/internal/storage"
)

// Server is the local observability endpoint: prometheus metrics, a JSON
// status API and a websocket stats feed. Read-only; it never drives the
// session.
type Server struct {
	logger   *zap.Logger
	session  *solo.Session
	blockLog *storage.BlockLog // may be nil
	metrics  *Metrics
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// statsInterval paces the websocket feed.
const statsInterval = time.Second

// NewServer wires the monitoring endpoints for a session.
func NewServer(addr string, session *solo.Session, blockLog *storage.BlockLog, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger.Named("monitoring"),
		session:  session,
		blockLog: blockLog,
		metrics:  NewMetrics(session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/blocks", s.handleBlocks).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("monitoring server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitoring server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if s.blockLog == nil {
		s.writeJSON(w, []storage.MinedBlock{})
		return
	}
	blocks, err := s.blockLog.RecentBlocks(r.Context(), 25)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if blocks == nil {
		blocks = []storage.MinedBlock{}
	}
	s.writeJSON(w, blocks)
}

// handleWebsocket streams session snapshots once per second until the
// client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.session.Snapshot()); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", zap.Error(err))
	}
}
