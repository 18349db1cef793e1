package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fplsync/fplsync/internal/mirror"
)

// Status describes the most recent mirror run of the server
type Status struct {
	Running    bool      `json:"running"`
	RunID      string    `json:"run_id,omitempty"`
	TreeSHA    string    `json:"tree_sha,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Downloaded int       `json:"downloaded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) runMirror(ctx context.Context) (*mirror.Report, error) {
	return mirror.NewEngine(s.cfg, s.client, s.logger, false).Run(ctx)
}

// performSync runs the mirror with single-flight semantics: while a run is in
// progress at most one follow-up run is queued and further requests are
// folded into it. The call returns once no run is pending.
func (s *Server) performSync(ctx context.Context) {
	if !s.acquireSync() {
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}

	for {
		s.logger.Info("performing sync operation")
		report, err := s.runSync(ctx)
		if err != nil {
			s.logger.Error("sync failed", "error", err)
		}
		s.recordSync(report, err)

		if !s.nextSync() {
			return
		}
		s.logger.Info("re-running sync due to pending request")
	}
}

// acquireSync claims the running slot, or marks a re-run as pending
func (s *Server) acquireSync() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.syncRunning {
		s.syncPending = true
		return false
	}
	s.syncRunning = true
	return true
}

// nextSync consumes a pending re-run, or releases the running slot
func (s *Server) nextSync() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.syncPending {
		s.syncPending = false
		return true
	}
	s.syncRunning = false
	return false
}

func (s *Server) recordSync(report *mirror.Report, err error) {
	st := Status{FinishedAt: time.Now().UTC()}
	if report != nil {
		st.RunID = report.RunID
		st.TreeSHA = report.TreeSHA
		st.Downloaded = report.Downloaded
		st.Skipped = report.Skipped
		st.Failed = len(report.Failed)
	}
	if err != nil {
		st.Error = err.Error()
	}

	s.syncMu.Lock()
	s.last = st
	s.syncMu.Unlock()
}

// Status returns the outcome of the last finished run
func (s *Server) Status() Status {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	st := s.last
	st.Running = s.syncRunning
	return st
}

// handleHealth reports the last run. It answers 503 while the last run
// aborted so that probes notice a broken listing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		reply(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	st := s.Status()
	status := http.StatusOK
	if st.Error != "" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(st)
}

// debouncer collapses bursts of triggers into one call after delay
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
}

// trigger (re)starts the delay; only the last fn of a burst runs
func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}
