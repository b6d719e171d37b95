package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// adminListTasks lists tasks across owners. ?owner= narrows to one user.
func (h *Handler) adminListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseTaskFilter(q)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s := strings.TrimSpace(q.Get("owner")); s != "" {
		ownerID, err := uuid.Parse(s)
		if err != nil {
			sendError(w, "owner must be a valid uuid", http.StatusBadRequest)
			return
		}
		filter.OwnerID = &ownerID
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	list, err := h.Tasks.ListAll(ctx, filter)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, list)
}
