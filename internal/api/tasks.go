package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskplane/taskplane/internal/domain"
)

// MountTaskRoutes registers task endpoints on the router.
func MountTaskRoutes(r chi.Router, srv *Server) {
	r.Post("/agent/tasks", srv.HandleSubmitTask)
	r.Get("/agent/tasks", srv.HandleListTasks)
	r.Get("/agent/tasks/{taskID}", srv.HandleGetTask)
	r.Post("/agent/tasks/{taskID}/cancel", srv.HandleCancelTask)
	r.Get("/agent/tasks/{taskID}/logs", srv.HandleTaskLogs)
	r.Get("/agent/tasks/{taskID}/events", srv.HandleTaskEvents)
	r.Get("/agent/tasks/{taskID}/results", srv.HandleTaskResults)
	r.Delete("/agent/tasks/{taskID}", srv.HandleDeleteTask)
	r.Delete("/agent/tasks/{taskID}/permanent", srv.HandlePermanentDeleteTask)
}

// submitResponse wraps the accepted task with a self link so clients can
// poll without building the URL themselves.
type submitResponse struct {
	*domain.Task
	Links map[string]string `json:"_links"`
}

// HandleSubmitTask accepts a new task. The task executes asynchronously, so
// the response is 202 with the PENDING row; clients poll GET /tasks/{id}.
func (s *Server) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	task, err := s.Service.SubmitTask(r.Context(), req)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Task:  task,
		Links: map[string]string{"self": "/api/v1/agent/tasks/" + task.TaskID},
	})
}

// HandleListTasks returns a filtered, paginated task listing.
// Filters: ?status=A,B ?task_type= ?created_by= ?name_contains= ?tags=a,b
// ?created_after=RFC3339 ?created_before=RFC3339 ?include_inactive=true.
// Pagination: ?limit= and ?page_token= (opaque, from a previous response).
// Sorting: ?sort=field or ?sort=-field.
func (s *Server) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TaskFilter{
		TaskType:        q.Get("task_type"),
		CreatedBy:       q.Get("created_by"),
		NameContains:    q.Get("name_contains"),
		IncludeInactive: q.Get("include_inactive") == "true",
		PageToken:       q.Get("page_token"),
	}

	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			st = strings.ToUpper(strings.TrimSpace(st))
			if !domain.ValidTaskStatus(st) {
				errorJSON(w, "unknown status "+st, "INVALID_ARGUMENT", http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := q.Get("tags"); v != "" {
		filter.TagsIncludeAny = strings.Split(v, ",")
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	for param, dst := range map[string]**time.Time{
		"created_after":  &filter.CreatedAfter,
		"created_before": &filter.CreatedBefore,
	} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				errorJSON(w, param+" must be RFC3339 format", "INVALID_ARGUMENT", http.StatusBadRequest)
				return
			}
			*dst = &t
		}
	}
	if v := q.Get("sort"); v != "" {
		if strings.HasPrefix(v, "-") {
			filter.SortBy = v[1:]
			filter.SortOrder = "desc"
		} else {
			filter.SortBy = v
			filter.SortOrder = "asc"
		}
	}

	page, err := s.Tasks.ListTasks(r.Context(), filter)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleGetTask returns a single task by id.
func (s *Server) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleCancelTask requests cancellation. ?force=true escalates straight to
// a hard kill for subprocess-backed tasks.
func (s *Server) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	force := r.URL.Query().Get("force") == "true"

	if err := s.Service.CancelTask(r.Context(), taskID, force); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": domain.StatusCancelled})
}

// HandleTaskLogs returns recent log entries, optionally filtered with
// ?level=INFO|WARNING|ERROR|CRITICAL.
func (s *Server) HandleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	level := strings.ToUpper(r.URL.Query().Get("level"))

	entries, err := s.Service.TaskLogs(r.Context(), taskID, level)
	if err != nil {
		domainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "logs": entries})
}

// HandleTaskEvents returns the task's journal, oldest first.
func (s *Server) HandleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	// Existence check so a bogus id is a 404, not an empty list.
	if _, err := s.Tasks.GetTask(r.Context(), taskID); err != nil {
		domainError(w, err)
		return
	}
	events, err := s.Tasks.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		domainError(w, err)
		return
	}
	if events == nil {
		events = []domain.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events})
}

// HandleTaskResults returns the result payload of a COMPLETED task.
func (s *Server) HandleTaskResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	results, err := s.Service.TaskResults(r.Context(), taskID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "results": results})
}

// HandleDeleteTask soft-deletes a task. The row and its journal survive for
// auditing; the task disappears from default listings.
func (s *Server) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePermanentDeleteTask removes a terminal or expired task and its
// journal for good.
func (s *Server) HandlePermanentDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.PermanentlyDeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTaskTypes lists the task types this instance can execute.
func (s *Server) HandleTaskTypes(w http.ResponseWriter, r *http.Request) {
	types := s.TaskTypes
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_types": types})
}
