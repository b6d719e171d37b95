package propagation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	tasks     map[uuid.UUID]*models.Task
	updates   []uuid.UUID
	updateErr error
	locked    []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[uuid.UUID]*models.Task)}
}

func (m *memStore) add(parent *models.Task, status models.TaskStatus) *models.Task {
	t := &models.Task{ID: uuid.New(), Title: "t"}
	t.SetStatus(status)
	if parent != nil {
		id := parent.ID
		t.ParentID = &id
	}
	m.tasks[t.ID] = t
	return t
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListChildren(_ context.Context, parentID uuid.UUID) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range m.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, task *models.Task) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	cp := *task
	m.tasks[task.ID] = &cp
	m.updates = append(m.updates, task.ID)
	return nil
}

type lockingStore struct{ *memStore }

func (l lockingStore) LockForUpdate(_ context.Context, id uuid.UUID) error {
	l.locked = append(l.locked, id)
	return nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newPropagator(depth Depth) *Propagator {
	return &Propagator{Depth: depth, Now: func() time.Time { return fixedNow }}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name     string
		statuses []models.TaskStatus
		want     models.TaskStatus
	}{
		{"empty set stays pending", nil, models.TaskStatusPending},
		{"all done", []models.TaskStatus{models.TaskStatusDone, models.TaskStatusDone}, models.TaskStatusDone},
		{"one pending", []models.TaskStatus{models.TaskStatusDone, models.TaskStatusPending}, models.TaskStatusPending},
		{"cancelled is not done", []models.TaskStatus{models.TaskStatusDone, models.TaskStatusCancelled}, models.TaskStatusPending},
		{"single done", []models.TaskStatus{models.TaskStatusDone}, models.TaskStatusDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.statuses, fixedNow)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == models.TaskStatusDone, got.IsDone)
			if got.IsDone {
				require.NotNil(t, got.CompletedOn)
				assert.Equal(t, fixedNow, *got.CompletedOn)
			} else {
				assert.Nil(t, got.CompletedOn)
			}
		})
	}
}

func TestPropagate_NoParentIsNoop(t *testing.T) {
	store := newMemStore()
	root := store.add(nil, models.TaskStatusPending)

	updated, err := newPropagator(DepthParent).Propagate(context.Background(), store, root)
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Empty(t, store.updates)
}

func TestPropagate_MarkDoneThenCancel(t *testing.T) {
	store := newMemStore()
	p := store.add(nil, models.TaskStatusPending)
	a := store.add(p, models.TaskStatusDone)
	b := store.add(p, models.TaskStatusPending)
	prop := newPropagator(DepthParent)
	ctx := context.Background()

	store.tasks[b.ID].SetStatus(models.TaskStatusDone)
	_, err := prop.Propagate(ctx, store, store.tasks[b.ID])
	require.NoError(t, err)

	parent := store.tasks[p.ID]
	assert.Equal(t, models.TaskStatusDone, parent.Status)
	assert.True(t, parent.IsDone)
	require.NotNil(t, parent.CompletedOn)
	assert.Equal(t, fixedNow, *parent.CompletedOn)

	store.tasks[a.ID].SetStatus(models.TaskStatusCancelled)
	_, err = prop.Propagate(ctx, store, store.tasks[a.ID])
	require.NoError(t, err)

	parent = store.tasks[p.ID]
	assert.Equal(t, models.TaskStatusPending, parent.Status)
	assert.False(t, parent.IsDone)
	assert.Nil(t, parent.CompletedOn)
}

func TestPropagate_SingleWriteAndChildUntouched(t *testing.T) {
	store := newMemStore()
	p := store.add(nil, models.TaskStatusPending)
	child := store.add(p, models.TaskStatusDone)
	before := *store.tasks[child.ID]

	_, err := newPropagator(DepthParent).Propagate(context.Background(), store, child)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{p.ID}, store.updates)
	assert.Equal(t, before, *store.tasks[child.ID])
}

func TestPropagateFrom_AfterDeletingLastPendingSibling(t *testing.T) {
	store := newMemStore()
	p := store.add(nil, models.TaskStatusPending)
	store.add(p, models.TaskStatusDone)
	pending := store.add(p, models.TaskStatusPending)

	delete(store.tasks, pending.ID)
	_, err := newPropagator(DepthParent).PropagateFrom(context.Background(), store, p.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusDone, store.tasks[p.ID].Status)
	assert.True(t, store.tasks[p.ID].IsDone)
}

func TestPropagateFrom_LastChildDeletedLeavesParentPending(t *testing.T) {
	store := newMemStore()
	p := store.add(nil, models.TaskStatusDone)
	store.tasks[p.ID].ApplyCompletion(fixedNow)
	only := store.add(p, models.TaskStatusDone)

	delete(store.tasks, only.ID)
	_, err := newPropagator(DepthParent).PropagateFrom(context.Background(), store, p.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusPending, store.tasks[p.ID].Status)
	assert.Nil(t, store.tasks[p.ID].CompletedOn)
}

func TestPropagate_DepthParentDoesNotTouchGrandparent(t *testing.T) {
	store := newMemStore()
	gp := store.add(nil, models.TaskStatusPending)
	p := store.add(gp, models.TaskStatusPending)
	leaf := store.add(p, models.TaskStatusDone)

	_, err := newPropagator(DepthParent).Propagate(context.Background(), store, leaf)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusDone, store.tasks[p.ID].Status)
	assert.Equal(t, models.TaskStatusPending, store.tasks[gp.ID].Status)
	assert.Equal(t, []uuid.UUID{p.ID}, store.updates)
}

func TestPropagate_DepthAncestorsReachesFixedPoint(t *testing.T) {
	store := newMemStore()
	root := store.add(nil, models.TaskStatusPending)
	gp := store.add(root, models.TaskStatusPending)
	store.add(root, models.TaskStatusPending)
	p := store.add(gp, models.TaskStatusPending)
	leaf := store.add(p, models.TaskStatusDone)

	updated, err := newPropagator(DepthAncestors).Propagate(context.Background(), store, leaf)
	require.NoError(t, err)

	require.Len(t, updated, 3)
	assert.Equal(t, models.TaskStatusDone, store.tasks[p.ID].Status)
	assert.Equal(t, models.TaskStatusDone, store.tasks[gp.ID].Status)
	// root still has a pending child, so it stays pending and the walk stops there.
	assert.Equal(t, models.TaskStatusPending, store.tasks[root.ID].Status)
}

func TestPropagate_DepthAncestorsStopsWhenUnchanged(t *testing.T) {
	store := newMemStore()
	gp := store.add(nil, models.TaskStatusPending)
	p := store.add(gp, models.TaskStatusPending)
	store.add(p, models.TaskStatusPending)
	leaf := store.add(p, models.TaskStatusPending)

	updated, err := newPropagator(DepthAncestors).Propagate(context.Background(), store, leaf)
	require.NoError(t, err)
	assert.Len(t, updated, 1)
	assert.Equal(t, []uuid.UUID{p.ID}, store.updates)
}

func TestPropagate_UpdateFailureIsStorageError(t *testing.T) {
	store := newMemStore()
	p := store.add(nil, models.TaskStatusPending)
	child := store.add(p, models.TaskStatusDone)
	boom := errors.New("disk full")
	store.updateErr = boom

	_, err := newPropagator(DepthParent).Propagate(context.Background(), store, child)
	require.Error(t, err)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "update", storageErr.Op)
	assert.Equal(t, p.ID, storageErr.ParentID)
	assert.ErrorIs(t, err, boom)
}

func TestPropagate_LocksParentWhenSupported(t *testing.T) {
	mem := newMemStore()
	store := lockingStore{mem}
	p := mem.add(nil, models.TaskStatusPending)
	child := mem.add(p, models.TaskStatusDone)

	_, err := newPropagator(DepthParent).Propagate(context.Background(), store, child)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, mem.locked)
}

func TestParseDepth(t *testing.T) {
	assert.Equal(t, DepthAncestors, ParseDepth("ancestors"))
	assert.Equal(t, DepthParent, ParseDepth("parent"))
	assert.Equal(t, DepthParent, ParseDepth(""))
}
