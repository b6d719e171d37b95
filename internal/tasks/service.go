// Package tasks is the single entry point for reading and mutating tasks.
// Every surface (JSON API, form actions, admin) goes through Service so the
// completion-timestamp rule and parent propagation run exactly once per change.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chepyr/subtask-tracker/internal/propagation"
	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/google/uuid"
)

type EventType string

const (
	EventCreated EventType = "task_created"
	EventUpdated EventType = "task_updated"
	EventDeleted EventType = "task_deleted"
)

type Event struct {
	Type EventType    `json:"event"`
	Task *models.Task `json:"task"`
}

// Notifier receives the events of a committed mutation.
type Notifier interface {
	Notify(ownerID uuid.UUID, events []Event)
}

// maxDepth bounds ancestor walks when checking for cycles.
const maxDepth = 1000

type Service struct {
	store      db.TaskStore
	propagator *propagation.Propagator
	notifier   Notifier
	logger     *log.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock replaces time.Now for the service and its propagator.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.propagator.Now = now
	}
}

func NewService(store db.TaskStore, propagator *propagation.Propagator, logger *log.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		propagator: propagator,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, in CreateInput) (*models.Task, error) {
	in.normalize()
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	now := s.clock()
	task := &models.Task{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       in.Title,
		Description: in.Description,
		Label:       in.Label,
		Status:      models.TaskStatusPending,
		CreatedOn:   now,
	}
	if in.Status != "" {
		status, _ := models.ParseTaskStatus(in.Status)
		task.SetStatus(status)
	} else if in.IsDone != nil && *in.IsDone {
		task.SetStatus(models.TaskStatusDone)
	}
	if in.ParentID != nil && *in.ParentID != uuid.Nil {
		parentID := *in.ParentID
		task.ParentID = &parentID
	}

	var events []Event
	err := s.store.WithTx(ctx, func(repo db.TaskRepositoryInterface) error {
		events = nil
		if task.HasParent() {
			if _, err := s.loadParent(ctx, repo, ownerID, *task.ParentID); err != nil {
				return err
			}
		}
		task.ApplyCompletion(now)
		if err := repo.Create(ctx, task); err != nil {
			return err
		}
		parents, err := s.propagator.Propagate(ctx, repo, task)
		if err != nil {
			return err
		}
		events = append(events, Event{Type: EventCreated, Task: task})
		events = appendParents(events, parents)
		return nil
	})
	if err != nil {
		return nil, storageError("create task", err)
	}

	s.logger.Info("task created", "task_id", task.ID, "owner", ownerID, "parent", task.ParentID)
	s.notify(ownerID, events)
	task.SubTasks = []uuid.UUID{}
	return task, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Task, error) {
	task, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("get task", err)
	}
	if task.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if err := s.attachSubTasks(ctx, []*models.Task{task}); err != nil {
		return nil, storageError("get task", err)
	}
	return task, nil
}

// List returns the owner's tasks matching filter.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, filter models.TaskFilter) ([]*models.Task, error) {
	filter.OwnerID = &ownerID
	return s.list(ctx, filter)
}

// ListAll ignores ownership and backs the admin listing.
func (s *Service) ListAll(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.list(ctx, filter)
}

func (s *Service) list(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	if filter.Ordering != "" && !db.ValidOrdering(filter.Ordering) {
		return nil, &ValidationError{Field: "ordering", Message: "unknown ordering " + filter.Ordering}
	}
	list, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, storageError("list tasks", err)
	}
	if err := s.attachSubTasks(ctx, list); err != nil {
		return nil, storageError("list tasks", err)
	}
	if list == nil {
		list = []*models.Task{}
	}
	return list, nil
}

// Update applies a partial field update and re-evaluates the affected parents.
func (s *Service) Update(ctx context.Context, ownerID, id uuid.UUID, in UpdateInput) (*models.Task, error) {
	in.normalize()
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	if in.ParentID.Set && in.ParentID.Value != nil && *in.ParentID.Value == id {
		return nil, ErrSelfParent
	}

	return s.mutate(ctx, ownerID, id, "update task", func(repo db.TaskRepositoryInterface, task *models.Task) error {
		if in.Title != nil {
			task.Title = *in.Title
		}
		if in.Description != nil {
			task.Description = *in.Description
		}
		if in.Label != nil {
			task.Label = *in.Label
		}
		switch {
		case in.Status != nil:
			status, _ := models.ParseTaskStatus(*in.Status)
			task.SetStatus(status)
		case in.IsDone != nil && *in.IsDone:
			task.SetStatus(models.TaskStatusDone)
		case in.IsDone != nil && task.Status == models.TaskStatusDone:
			task.SetStatus(models.TaskStatusPending)
		}
		if in.ParentID.Set {
			return s.reparent(ctx, repo, task, in.ParentID.Value)
		}
		return nil
	})
}

// MarkDone is the "done" action: status Done, completed now.
func (s *Service) MarkDone(ctx context.Context, ownerID, id uuid.UUID) (*models.Task, error) {
	return s.mutate(ctx, ownerID, id, "mark task done", func(_ db.TaskRepositoryInterface, task *models.Task) error {
		now := s.clock()
		task.SetStatus(models.TaskStatusDone)
		task.CompletedOn = &now
		return nil
	})
}

// Cancel is the "cancel" action. A cancelled task never counts as completed.
func (s *Service) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.Task, error) {
	return s.mutate(ctx, ownerID, id, "cancel task", func(_ db.TaskRepositoryInterface, task *models.Task) error {
		task.SetStatus(models.TaskStatusCancelled)
		task.CompletedOn = nil
		return nil
	})
}

// Delete removes the task with its descendants and re-evaluates the former parent.
func (s *Service) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	var events []Event
	err := s.store.WithTx(ctx, func(repo db.TaskRepositoryInterface) error {
		events = nil
		task, err := s.loadOwned(ctx, repo, ownerID, id)
		if err != nil {
			return err
		}
		var parentID *uuid.UUID
		if task.HasParent() {
			captured := *task.ParentID
			parentID = &captured
		}
		if err := repo.Delete(ctx, id); err != nil {
			return err
		}
		events = append(events, Event{Type: EventDeleted, Task: task})
		if parentID == nil {
			return nil
		}
		parents, err := s.propagator.PropagateFrom(ctx, repo, *parentID)
		if err != nil {
			return err
		}
		events = appendParents(events, parents)
		return nil
	})
	if err != nil {
		return storageError("delete task", err)
	}

	s.logger.Info("task deleted", "task_id", id, "owner", ownerID)
	s.notify(ownerID, events)
	return nil
}

// mutate loads an owned task, applies change, saves it and propagates to its
// parent, all in one transaction. When change moves the task to another
// parent the old parent is re-evaluated as well.
func (s *Service) mutate(
	ctx context.Context,
	ownerID, id uuid.UUID,
	op string,
	change func(repo db.TaskRepositoryInterface, task *models.Task) error,
) (*models.Task, error) {
	var (
		task   *models.Task
		events []Event
	)
	err := s.store.WithTx(ctx, func(repo db.TaskRepositoryInterface) error {
		// the store may retry fn, so start from a clean slate
		events = nil
		var err error
		task, err = s.loadOwned(ctx, repo, ownerID, id)
		if err != nil {
			return err
		}
		oldParent := task.ParentID

		if err := change(repo, task); err != nil {
			return err
		}
		task.ApplyCompletion(s.clock())
		if err := repo.Update(ctx, task); err != nil {
			return err
		}
		events = append(events, Event{Type: EventUpdated, Task: task})

		parents, err := s.propagator.Propagate(ctx, repo, task)
		if err != nil {
			return err
		}
		events = appendParents(events, parents)

		if oldParent != nil && !sameParent(oldParent, task.ParentID) {
			parents, err := s.propagator.PropagateFrom(ctx, repo, *oldParent)
			if err != nil {
				return err
			}
			events = appendParents(events, parents)
		}
		return s.attachSubTasks(ctx, []*models.Task{task}, repo)
	})
	if err != nil {
		return nil, storageError(op, err)
	}

	s.logger.Info(op, "task_id", task.ID, "owner", ownerID, "status", task.Status)
	s.notify(ownerID, events)
	return task, nil
}

func (s *Service) reparent(ctx context.Context, repo db.TaskRepositoryInterface, task *models.Task, parentID *uuid.UUID) error {
	if parentID == nil || *parentID == uuid.Nil {
		task.ParentID = nil
		return nil
	}
	if *parentID == task.ID {
		return ErrSelfParent
	}
	parent, err := s.loadParent(ctx, repo, task.OwnerID, *parentID)
	if err != nil {
		return err
	}
	// the new parent must not sit below the task itself
	for ancestor, depth := parent, 0; ancestor.HasParent() && depth < maxDepth; depth++ {
		if *ancestor.ParentID == task.ID {
			return ErrParentCycle
		}
		ancestor, err = repo.GetByID(ctx, *ancestor.ParentID)
		if err != nil {
			return err
		}
	}
	id := *parentID
	task.ParentID = &id
	return nil
}

func (s *Service) loadOwned(ctx context.Context, repo db.TaskRepositoryInterface, ownerID, id uuid.UUID) (*models.Task, error) {
	task, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if task.OwnerID != ownerID {
		s.logger.Warn("permission denied", "task_id", id, "owner", task.OwnerID, "caller", ownerID)
		return nil, ErrForbidden
	}
	return task, nil
}

func (s *Service) loadParent(ctx context.Context, repo db.TaskRepositoryInterface, ownerID, parentID uuid.UUID) (*models.Task, error) {
	parent, err := repo.GetByID(ctx, parentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}
	if parent.OwnerID != ownerID {
		return nil, ErrParentNotFound
	}
	return parent, nil
}

// attachSubTasks fills SubTasks with one query for the whole batch. repo
// overrides the service store when called inside a transaction.
func (s *Service) attachSubTasks(ctx context.Context, list []*models.Task, repo ...db.TaskRepositoryInterface) error {
	if len(list) == 0 {
		return nil
	}
	var r db.TaskRepositoryInterface = s.store
	if len(repo) > 0 {
		r = repo[0]
	}
	ids := make([]uuid.UUID, 0, len(list))
	for _, task := range list {
		ids = append(ids, task.ID)
	}
	children, err := r.ChildIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, task := range list {
		task.SubTasks = children[task.ID]
		if task.SubTasks == nil {
			task.SubTasks = []uuid.UUID{}
		}
	}
	return nil
}

func (s *Service) notify(ownerID uuid.UUID, events []Event) {
	if s.notifier == nil || len(events) == 0 {
		return
	}
	s.notifier.Notify(ownerID, events)
}

func appendParents(events []Event, parents []*models.Task) []Event {
	for _, parent := range parents {
		events = append(events, Event{Type: EventUpdated, Task: parent})
	}
	return events
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
