package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
)

// Controller is what the management surface needs from the runner.
type Controller interface {
	List() []pipeline.ConnectorStatus
	Status(name string) (pipeline.ConnectorStatus, error)
	Pause(name string) error
	Resume(name string) error
}

// Server exposes the connector management API over HTTP.
type Server struct {
	ctl  Controller
	srv  *http.Server
	port string
}

func NewServer(port string, ctl Controller) *Server {
	s := &Server{ctl: ctl, port: port}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /connectors", s.handleList)
	mux.HandleFunc("GET /connectors/{name}/status", s.handleStatus)
	mux.HandleFunc("PUT /connectors/{name}/pause", s.handlePause)
	mux.HandleFunc("PUT /connectors/{name}/resume", s.handleResume)
	s.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the listener closes. A graceful Stop surfaces as nil.
func (s *Server) Serve() error {
	logging.L().Info("management API listening", "port", s.port)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler is exposed for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.ctl.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.ctl.Resume)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(string) error) {
	name := r.PathValue("name")
	if err := apply(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrUnknownConnector) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	st, err := s.ctl.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L().Error("management API response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
