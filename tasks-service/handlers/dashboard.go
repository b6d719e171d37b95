package handlers

import (
	"context"
	"net/http"

	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/chepyr/subtask-tracker/shared/models"
)

const dashboardPath = "/dashboard"

// dashboard returns the caller's root tasks.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	roots, err := h.Tasks.List(ctx, userID, models.TaskFilter{RootOnly: true})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, roots)
}

// dashboardCreate adds a root task from a form post.
func (h *Handler) dashboardCreate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		sendError(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	_, err := h.Tasks.Create(ctx, userID, tasks.CreateInput{
		Title:       r.PostFormValue("title"),
		Description: r.PostFormValue("description"),
		Label:       r.PostFormValue("label"),
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	http.Redirect(w, r, dashboardPath, http.StatusSeeOther)
}

// taskAction applies action=done|cancel|delete from a form post.
func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	taskID, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		sendError(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var err error
	switch action := r.PostFormValue("action"); action {
	case "done":
		_, err = h.Tasks.MarkDone(ctx, userID, taskID)
	case "cancel":
		_, err = h.Tasks.Cancel(ctx, userID, taskID)
	case "delete":
		err = h.Tasks.Delete(ctx, userID, taskID)
	default:
		sendError(w, "action must be one of done, cancel, delete", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	http.Redirect(w, r, dashboardPath, http.StatusSeeOther)
}
