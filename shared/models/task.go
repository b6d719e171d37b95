package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "Pending"
	TaskStatusDone      TaskStatus = "Done"
	TaskStatusCancelled TaskStatus = "Cancelled"
)

// ParseTaskStatus converts user input to a TaskStatus, ignoring case and
// surrounding space. ok is false for unknown values.
func ParseTaskStatus(s string) (status TaskStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return TaskStatusPending, true
	case "done":
		return TaskStatusDone, true
	case "cancelled", "canceled":
		return TaskStatusCancelled, true
	default:
		return "", false
	}
}

func (s TaskStatus) Valid() bool {
	_, ok := ParseTaskStatus(string(s))
	return ok
}

type Task struct {
	ID          uuid.UUID   `json:"id"`
	OwnerID     uuid.UUID   `json:"owner"`
	ParentID    *uuid.UUID  `json:"parent_task"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Label       string      `json:"label"`
	Status      TaskStatus  `json:"status"`
	IsDone      bool        `json:"is_done"`
	CreatedOn   time.Time   `json:"created_on"`
	CompletedOn *time.Time  `json:"completed_on"`
	SubTasks    []uuid.UUID `json:"sub_tasks"`
}

// ApplyCompletion keeps CompletedOn in step with IsDone. It runs on every save.
func (t *Task) ApplyCompletion(now time.Time) {
	if !t.IsDone {
		t.CompletedOn = nil
		return
	}
	if t.CompletedOn == nil {
		completed := now
		t.CompletedOn = &completed
	}
}

// SetStatus changes the status and the matching is_done flag.
func (t *Task) SetStatus(status TaskStatus) {
	t.Status = status
	t.IsDone = status == TaskStatusDone
}

func (t *Task) HasParent() bool {
	return t.ParentID != nil && *t.ParentID != uuid.Nil
}

// TaskFilter narrows task listings. Zero values mean "no constraint".
type TaskFilter struct {
	OwnerID  *uuid.UUID
	Status   TaskStatus
	Label    string
	IsDone   *bool
	ParentID *uuid.UUID
	RootOnly bool
	Search   string
	Ordering string
}
