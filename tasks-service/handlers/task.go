package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

/*
handles routes:
- GET /api/tasks - list the caller's tasks
- POST /api/tasks - create a task
- GET/PUT/PATCH/DELETE /api/tasks/{id}
- POST /api/tasks/{id}/cancel, /api/tasks/{id}/done
*/

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	filter, err := parseTaskFilter(r.URL.Query())
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	list, err := h.Tasks.List(ctx, userID, filter)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if !isJSONContentType(r) {
		sendError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	var input tasks.CreateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&input); err != nil {
		sendError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	task, err := h.Tasks.Create(ctx, userID, input)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+task.ID.String())
	sendJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	task, err := h.Tasks.Get(ctx, userID, taskID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	if !isJSONContentType(r) {
		sendError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	var input tasks.UpdateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&input); err != nil {
		sendError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	task, err := h.Tasks.Update(ctx, userID, taskID, input)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.Tasks.Delete(ctx, userID, taskID); err != nil {
		h.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if _, err := h.Tasks.Cancel(ctx, userID, taskID); err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "Task cancelled."})
}

func (h *Handler) markTaskDone(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if _, err := h.Tasks.MarkDone(ctx, userID, taskID); err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "Task marked as done."})
}

func taskIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, "task id must be a valid uuid", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// parseTaskFilter reads status, label, is_done, parent_task, search and ordering.
func parseTaskFilter(q url.Values) (models.TaskFilter, error) {
	var filter models.TaskFilter
	if s := q.Get("status"); s != "" {
		status, ok := models.ParseTaskStatus(s)
		if !ok {
			return filter, errors.New("invalid status value")
		}
		filter.Status = status
	}
	filter.Label = strings.TrimSpace(q.Get("label"))
	if s := q.Get("is_done"); s != "" {
		done, err := strconv.ParseBool(s)
		if err != nil {
			return filter, errors.New("is_done must be true or false")
		}
		filter.IsDone = &done
	}
	switch s := strings.TrimSpace(q.Get("parent_task")); strings.ToLower(s) {
	case "":
	case "none", "null":
		filter.RootOnly = true
	default:
		parentID, err := uuid.Parse(s)
		if err != nil {
			return filter, errors.New("parent_task must be a valid uuid or none")
		}
		filter.ParentID = &parentID
	}
	filter.Search = strings.TrimSpace(q.Get("search"))
	filter.Ordering = strings.TrimSpace(q.Get("ordering"))
	return filter, nil
}

func isJSONContentType(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
