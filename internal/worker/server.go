// Package worker implements the worker node of a distributed run: an
// HTTP control surface through which a coordinator prepares, starts,
// observes and collects one test at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/metrics"
	"github.com/loadgrid/loadgrid/internal/runner"
)

// DefaultPort is the worker control port.
const DefaultPort = 8080

// Server hosts the worker control API. One test is active at a time:
// prepare while a run is in flight is rejected rather than queued.
type Server struct {
	log  logrus.FieldLogger
	addr string

	mu      sync.Mutex
	run     *runner.Runner
	summary *metrics.Summary
	runErr  error
	runDone chan struct{}

	httpSrv *http.Server
}

// NewServer creates a worker bound to addr ("host:port"). An empty
// addr binds the default port on all interfaces.
func NewServer(addr string, log logrus.FieldLogger) *Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{log: log.WithField("component", "worker"), addr: addr}
}

// Routes returns the worker's HTTP handler, exposed separately so
// tests can drive it through httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/prepare", s.handlePrepare)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/results", s.handleResults)
	mux.HandleFunc("/stop", s.handleStop)
	return mux
}

// ListenAndServe runs the control API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("worker listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.stopRun()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   clock.NowMillis(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run := s.run
	runErr := s.runErr
	s.mu.Unlock()

	doc := map[string]interface{}{
		"connected":    true,
		"running":      false,
		"virtualUsers": 0,
		"rps":          0.0,
		"responseTime": 0.0,
		"errorRate":    0.0,
		"activeRunner": run != nil,
		"state":        "idle",
	}
	if run == nil {
		writeJSON(w, http.StatusOK, doc)
		return
	}

	st := run.Status()
	state := "prepared"
	switch {
	case st.Running:
		state = "running"
	case run.Summary() != nil:
		state = "finished"
	}
	doc["running"] = st.Running
	doc["virtualUsers"] = st.ActiveVUs
	doc["rps"] = st.RPS
	doc["responseTime"] = st.P95Ms
	doc["errorRate"] = st.ErrorRatePct
	doc["state"] = state
	doc["error"] = errString(runErr)
	writeJSON(w, http.StatusOK, doc)
}

// prepareRequest is the coordinator's payload: the (already rewritten)
// test configuration this worker should run.
type prepareRequest struct {
	Config json.RawMessage `json:"config"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	var req prepareRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Config) == 0 {
		// Accept a bare config document too.
		req.Config = body
	}

	cfg, err := config.Parse(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil && s.run.Running() {
		writeError(w, http.StatusConflict, "a test is already running")
		return
	}

	s.run = runner.New(cfg, s.log)
	s.summary = nil
	s.runErr = nil
	s.runDone = nil
	s.log.WithField("test", cfg.Name).Info("test prepared")
	writeJSON(w, http.StatusOK, map[string]interface{}{"prepared": cfg.Name})
}

// startRequest optionally carries a synchronized start time in wall
// milliseconds. The worker sleeps until then before generating load.
type startRequest struct {
	StartTime int64 `json:"start_time,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req startRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "no test prepared")
		return
	}
	if run.Running() || s.runDone != nil {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "test already started")
		return
	}
	done := make(chan struct{})
	s.runDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		if req.StartTime > 0 {
			if delay := time.UnixMilli(req.StartTime).Sub(time.Now()); delay > 0 {
				s.log.WithField("delay", delay).Info("waiting for synchronized start")
				time.Sleep(delay)
			}
		}

		summary, err := run.Run(context.Background())
		s.mu.Lock()
		s.summary = summary
		s.runErr = err
		s.mu.Unlock()
		if err != nil {
			s.log.WithError(err).Warn("test ended abnormally")
		} else {
			s.log.Info("test finished")
		}
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{"started": true, "start_time": req.StartTime})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run := s.run
	summary := s.summary
	runErr := s.runErr
	s.mu.Unlock()

	if run == nil {
		writeError(w, http.StatusNotFound, "no test prepared")
		return
	}
	if run.Running() || summary == nil {
		writeError(w, http.StatusConflict, "test still running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": run.Results(),
		"summary": summary,
		"error":   errString(runErr),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.stopRun()
	writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// stopRun cancels the active run and waits for its summary so a
// following /results sees flushed output.
func (s *Server) stopRun() {
	s.mu.Lock()
	run := s.run
	done := s.runDone
	s.mu.Unlock()

	if run == nil {
		return
	}
	run.Stop()
	if done != nil {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			s.log.Warn("timed out waiting for run to stop")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
