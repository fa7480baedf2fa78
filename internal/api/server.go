package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/DualCam/internal/config"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/output"
	"github.com/bryanchriswhite/DualCam/internal/recorder"
)

// Recorder is the part of recorder.Recorder the API drives
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*media.Blob, error)
	Cleanup()
	Status() recorder.Status
	Subscribe() chan recorder.Event
	Unsubscribe(ch chan recorder.Event)
}

// Factory builds a fresh Ready recorder. Discard replaces the current one with a new one.
type Factory func() (Recorder, error)

// SaveResponse describes a recording written by POST /api/recording/stop
type SaveResponse struct {
	File     string `json:"file"`
	Path     string `json:"path"`
	Size     int    `json:"size"`
	MimeType string `json:"mime_type"`
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	factory   Factory
	configMgr *config.Manager
	outputDir string
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu      sync.Mutex
	rec     Recorder
	forward chan struct{}
	relayed chan struct{}

	listenersMu sync.Mutex
	listeners   []chan recorder.Event
}

// NewServer creates the API server and its first recorder.
// configMgr may be nil, in which case /api/config is not served.
func NewServer(factory Factory, outputDir string, configMgr *config.Manager) (*Server, error) {
	s := &Server{
		router:    mux.NewRouter(),
		factory:   factory,
		configMgr: configMgr,
		outputDir: outputDir,
		now:       time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if err := s.replace(); err != nil {
		return nil, err
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/recording/start", s.handleStart).Methods("POST")
	api.HandleFunc("/recording/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/recording/discard", s.handleDiscard).Methods("POST")
	api.HandleFunc("/recording/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/recording/events", s.handleEvents)

	if s.configMgr != nil {
		api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	}

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled, then shuts down and disposes the recorder
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("api").Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close disposes the current recorder
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposeLocked()
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) current() Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// replace disposes the current recorder, if any, and builds a new one
func (s *Server) replace() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposeLocked()

	rec, err := s.factory()
	if err != nil {
		return fmt.Errorf("failed to create recorder: %w", err)
	}
	s.rec = rec
	s.forward = make(chan struct{})
	s.relayed = make(chan struct{})
	go s.relay(rec, rec.Subscribe(), s.forward, s.relayed)

	// the new recorder announced Ready before we subscribed
	st := rec.Status()
	s.broadcast(recorder.Event{Type: recorder.EventState, State: st.State, At: s.now()})
	return nil
}

func (s *Server) disposeLocked() {
	if s.rec == nil {
		return
	}
	s.rec.Cleanup()
	close(s.forward)
	<-s.relayed
	s.rec = nil
}

// relay copies one recorder's events to every websocket listener
func (s *Server) relay(rec Recorder, events chan recorder.Event, stop, done chan struct{}) {
	defer close(done)
	defer rec.Unsubscribe(events)
	for {
		select {
		case ev := <-events:
			s.broadcast(ev)
		case <-stop:
			// deliver whatever Cleanup published
			for {
				select {
				case ev := <-events:
					s.broadcast(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) subscribe() chan recorder.Event {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	ch := make(chan recorder.Event, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

func (s *Server) unsubscribe(ch chan recorder.Event) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Server) broadcast(ev recorder.Event) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, listener := range s.listeners {
		select {
		case listener <- ev:
		default:
		}
	}
}

// statusCode maps recorder errors to HTTP statuses
func statusCode(err error) int {
	switch {
	case errors.Is(err, media.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, media.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, media.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, media.ErrStreamAlreadyCaptured):
		return http.StatusConflict
	case errors.Is(err, media.ErrDisposed):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// active returns the current recorder, or replies 410 when the server is closed
func (s *Server) active(w http.ResponseWriter) (Recorder, bool) {
	rec := s.current()
	if rec == nil {
		http.Error(w, media.ErrDisposed.Error(), http.StatusGone)
		return nil, false
	}
	return rec, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.active(w)
	if !ok {
		return
	}
	if err := rec.Start(r.Context()); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Start failed")
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, rec.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.active(w)
	if !ok {
		return
	}
	blob, err := rec.Stop(r.Context())
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Stop failed")
		http.Error(w, err.Error(), statusCode(err))
		return
	}

	path, err := output.Save(s.outputDir, blob, s.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, SaveResponse{
		File:     filepath.Base(path),
		Path:     path,
		Size:     blob.Size(),
		MimeType: blob.MimeType,
	})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.replace(); err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("Discard failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.current().Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.current()
	if rec == nil {
		writeJSON(w, recorder.Status{State: recorder.StateDisposed})
		return
	}
	writeJSON(w, rec.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.subscribe()
	defer s.unsubscribe(events)

	// detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := recorder.Event{Type: recorder.EventState, State: recorder.StateDisposed, At: s.now()}
	if rec := s.current(); rec != nil {
		st := rec.Status()
		initial.State = st.State
		initial.Session = st.SessionID
	}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				logger.WithComponent("api").Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
