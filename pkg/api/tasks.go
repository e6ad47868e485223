// Task REST API backed by the orchestrator, with the sqlite archive as the
// fallback for tasks already pruned from memory.
//
// Routes:
//
//	GET  /api/tasks                 list tasks (active=true, source=archive, limit=N)
//	GET  /api/tasks/{id}            get task, live table first then archive
//	POST /api/tasks/{id}/cancel     cancel a queued or running task
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sipeed/wabot/pkg/infrastructure/persistence"
	"github.com/sipeed/wabot/pkg/logger"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultTaskLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTaskLimit)
	}

	if q.Get("source") == "archive" {
		if s.deps.Archive == nil {
			writeError(w, http.StatusServiceUnavailable, "task archive disabled")
			return
		}
		tasks, err := s.deps.Archive.Recent(r.Context(), limit)
		if err != nil {
			logger.ErrorCF("api", "Archive query failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "archive query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"source": "archive",
			"count":  len(tasks),
			"tasks":  tasks,
		})
		return
	}

	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not available")
		return
	}
	tasks := s.deps.Tasks.List(limit)
	if q.Get("active") == "true" {
		tasks = s.deps.Tasks.Active()
		if len(tasks) > limit {
			tasks = tasks[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source": "live",
		"count":  len(tasks),
		"tasks":  tasks,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Tasks != nil {
		if t, ok := s.deps.Tasks.Get(id); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{"source": "live", "task": t})
			return
		}
	}
	if s.deps.Archive == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	t, err := s.deps.Archive.Get(r.Context(), id)
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		logger.ErrorCF("api", "Archive lookup failed", map[string]interface{}{
			"task_id": id,
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "archive query failed")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"source": "archive", "task": t})
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not available")
		return
	}
	id := r.PathValue("id")
	t, ok := s.deps.Tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.deps.Tasks.Cancel(id) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "task is not cancellable",
			"status": t.Status,
		})
		return
	}
	logger.InfoCF("api", "Task cancel requested from dashboard", map[string]interface{}{"task_id": id})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "task_id": id})
}
