package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"stereostitch/internal/correspond"
	"stereostitch/internal/pipeline"
	"stereostitch/internal/storage"
)

// Server exposes run status and manual correspondence editing over HTTP.
type Server struct {
	addr   string
	store  *storage.Store
	driver *pipeline.Driver
	log    *slog.Logger
	hub    *hub
	server *http.Server
}

// NewServer creates a server for the pipeline behind driver. store may be
// nil, in which case the history endpoints report an empty list.
func NewServer(addr string, store *storage.Store, driver *pipeline.Driver, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		store:  store,
		driver: driver,
		log:    log,
		hub:    newHub(driver, log),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/points", s.handlePoints).Methods("GET")
	r.HandleFunc("/points", s.handleEdit).Methods("POST")
	r.HandleFunc("/points/solve", s.handleSolve).Methods("POST")
	r.HandleFunc("/points/save", s.handleSave).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.driver.Pipeline().Status())
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"points": s.driver.Pipeline().Points(),
		"frozen": s.driver.Pipeline().Status().Frozen,
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var e pipeline.Edit
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid edit: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.submit(w, r, e)
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, pipeline.Edit{Op: pipeline.OpSolve})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, pipeline.Edit{Op: pipeline.OpSave})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, e pipeline.Edit) {
	res, err := s.driver.Submit(r.Context(), e)
	if err != nil {
		s.writeJSON(w, editStatus(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func editStatus(err error) int {
	switch {
	case errors.Is(err, correspond.ErrFrozen):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrDriverStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []storage.RunRecord{})
		return
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	frames, err := s.store.RunFrames(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.store.CalibrationEvents(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "frames": frames, "calibration": events})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	evCh, unsubscribe := s.driver.Pipeline().Subscribe()
	defer unsubscribe()

	if err := s.writeEvent(w, pipeline.Event{Type: "status", Status: s.driver.Pipeline().Status()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if err := s.writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

// writeEvent sends ev as one server-sent event.
func (s *Server) writeEvent(w http.ResponseWriter, ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode event", "type", ev.Type, "error", err)
		return nil
	}
	_, err = w.Write([]byte("data: " + string(payload) + "\n\n"))
	return err
}
