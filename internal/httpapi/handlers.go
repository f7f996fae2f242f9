package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sorabot/internal/job"
	"sorabot/internal/sora"
	logx "sorabot/pkg/logx"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Message: msg})
}

type healthResp struct {
	Status      string         `json:"status"`
	PendingJobs int            `json:"pending_jobs"`
	Counts      map[string]int `json:"counts"`
	Timestamp   string         `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.log.Warn("health: count jobs", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResp{Status: "degraded", Timestamp: s.now().UTC().Format(time.RFC3339)})
		return
	}
	resp := healthResp{Status: "healthy", Counts: map[string]int{}, Timestamp: s.now().UTC().Format(time.RFC3339)}
	for st, n := range counts {
		resp.Counts[string(st)] = n
		if st.InFlight() {
			resp.PendingJobs += n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.CallbackSecret == "" {
		return true
	}
	got := r.Header.Get("X-Callback-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CallbackSecret)) == 1
}

// callback wakes the driver of the job the event is about. The event itself
// is only a hint; the driver re-polls the video service for the outcome.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	cb, err := sora.ParseCallback(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	log := s.log.With(logx.String("event", cb.Event), logx.String("external_id", cb.ExternalID))
	if cb.ExternalID == "" {
		log.Warn("callback without uuid")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch err := s.jobs.Notify(r.Context(), cb.ExternalID); {
	case errors.Is(err, job.ErrNotFound):
		log.Warn("callback for unknown job")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		log.Error("callback notify failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		log.Info("callback received", logx.Bool("terminal", cb.Terminal()))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// jobStatus is what an anonymous caller may learn about a job. It leaves out
// the prompt, chat and user ids, the result URL and error details.
type jobStatus struct {
	ID         string         `json:"id"`
	State      job.State      `json:"state"`
	Progress   int            `json:"progress"`
	FailReason job.FailReason `json:"fail_reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// getJob returns the full record only to callers presenting the callback
// secret. Without a configured secret everyone gets the reduced view.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	j, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job", logx.JobID(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.cfg.CallbackSecret != "" && s.authorized(r) {
		writeJSON(w, http.StatusOK, j)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{
		ID:         j.ID,
		State:      j.State,
		Progress:   j.Progress,
		FailReason: j.FailReason,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	})
}
