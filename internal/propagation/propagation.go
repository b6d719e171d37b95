// Package propagation keeps a parent task's status, is_done and completed_on
// consistent with its direct sub-tasks.
package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/google/uuid"
)

// Store is the slice of the task repository the propagator needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
}

// Locker is implemented by stores that can lock a task row for the rest of
// the current transaction.
type Locker interface {
	LockForUpdate(ctx context.Context, id uuid.UUID) error
}

type Depth int

const (
	// DepthParent re-evaluates only the immediate parent.
	DepthParent Depth = iota
	// DepthAncestors walks upward until a parent is absent or unchanged.
	DepthAncestors
)

// ParseDepth maps a config value to a Depth. Unknown values fall back to DepthParent.
func ParseDepth(s string) Depth {
	switch s {
	case "ancestors", "all":
		return DepthAncestors
	default:
		return DepthParent
	}
}

// Derived holds the computed fields of a parent task.
type Derived struct {
	Status      models.TaskStatus
	IsDone      bool
	CompletedOn *time.Time
}

// Derive is the propagation rule: a parent is Done only when it has at least
// one child and every child is Done. Cancelled children count as not Done.
func Derive(statuses []models.TaskStatus, now time.Time) Derived {
	if len(statuses) == 0 {
		return Derived{Status: models.TaskStatusPending}
	}
	for _, s := range statuses {
		if s != models.TaskStatusDone {
			return Derived{Status: models.TaskStatusPending}
		}
	}
	completed := now
	return Derived{Status: models.TaskStatusDone, IsDone: true, CompletedOn: &completed}
}

// StorageError reports a failed read or write of a parent task.
type StorageError struct {
	Op       string
	ParentID uuid.UUID
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("propagation: %s parent %s: %v", e.Op, e.ParentID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type Propagator struct {
	Depth Depth
	Now   func() time.Time
}

func New(depth Depth) *Propagator {
	return &Propagator{Depth: depth, Now: time.Now}
}

func (p *Propagator) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// Propagate recomputes the parent of task from its current children. The
// task itself is never modified. It returns the parents that were written,
// nearest first.
func (p *Propagator) Propagate(ctx context.Context, store Store, task *models.Task) ([]*models.Task, error) {
	if task == nil || !task.HasParent() {
		return nil, nil
	}
	return p.PropagateFrom(ctx, store, *task.ParentID)
}

// PropagateFrom recomputes parentID directly. The delete path uses it with the
// parent id captured before the child was removed.
func (p *Propagator) PropagateFrom(ctx context.Context, store Store, parentID uuid.UUID) ([]*models.Task, error) {
	var updated []*models.Task
	visited := make(map[uuid.UUID]bool)

	for id := parentID; id != uuid.Nil; {
		if visited[id] {
			break
		}
		visited[id] = true

		parent, changed, err := p.recompute(ctx, store, id)
		if err != nil {
			return updated, err
		}
		updated = append(updated, parent)

		if p.Depth != DepthAncestors || !changed || !parent.HasParent() {
			break
		}
		id = *parent.ParentID
	}
	return updated, nil
}

// recompute reads the children of id once and writes the parent once.
func (p *Propagator) recompute(ctx context.Context, store Store, id uuid.UUID) (*models.Task, bool, error) {
	if locker, ok := store.(Locker); ok {
		if err := locker.LockForUpdate(ctx, id); err != nil {
			return nil, false, &StorageError{Op: "lock", ParentID: id, Err: err}
		}
	}

	parent, err := store.GetByID(ctx, id)
	if err != nil {
		return nil, false, &StorageError{Op: "load", ParentID: id, Err: err}
	}
	children, err := store.ListChildren(ctx, id)
	if err != nil {
		return nil, false, &StorageError{Op: "list children of", ParentID: id, Err: err}
	}

	statuses := make([]models.TaskStatus, 0, len(children))
	for _, child := range children {
		statuses = append(statuses, child.Status)
	}
	derived := Derive(statuses, p.now())

	changed := parent.Status != derived.Status || parent.IsDone != derived.IsDone
	parent.Status = derived.Status
	parent.IsDone = derived.IsDone
	parent.CompletedOn = derived.CompletedOn

	if err := store.Update(ctx, parent); err != nil {
		return nil, false, &StorageError{Op: "update", ParentID: id, Err: err}
	}
	return parent, changed, nil
}
