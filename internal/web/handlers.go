package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/jobs"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already out; nothing left to do but note it.
		fmt.Printf("web: encode response: %v\n", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.pool.Size(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Images.GetProcessingStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"files": map[string]int{
			"indexed":    stats.TotalIndexed,
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
		},
		"images": stats.TotalImages,
		"faces": map[string]int{
			"total":    stats.TotalFaces,
			"assigned": stats.AssignedFaces,
		},
		"persons": map[string]int{
			"total":   stats.TotalPersons,
			"trained": stats.TrainedPersons,
		},
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.queue.List()})
}

type createJobRequest struct {
	Type     string         `json:"type"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "missing job type")
		return
	}
	if !s.pool.Handles(req.Type) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
		return
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
		return
	}

	job := jobs.NewJob(req.Type, priority, req.Data)
	s.queue.Enqueue(job)
	respondJSON(w, http.StatusAccepted, job.Snapshot())
}

func parsePriority(value string) (jobs.Priority, bool) {
	switch value {
	case "", "normal":
		return jobs.PriorityNormal, true
	case "low":
		return jobs.PriorityLow, true
	case "high":
		return jobs.PriorityHigh, true
	case "urgent":
		return jobs.PriorityUrgent, true
	default:
		return 0, false
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(chi.URLParam(r, "jobId"))
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if _, ok := s.queue.Get(jobID); !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.queue.Cancel(jobID) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": jobs.StatusCancelled})
}

// handleJobEvents streams job progress as server-sent events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, ok := s.queue.Get(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the initial snapshot so no event falls in between.
	events, unsubscribe := s.events.Subscribe(jobID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendSSE(w, flusher, "status", job.Snapshot())
	if job.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSE(w, flusher, event.Type, event)
			if event.Type != jobs.EventProgress {
				return
			}
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
}
