// Package graph stores tasks in Neo4j. Each task is a (:Task) node and a
// sub-task points at its parent with a [:HAS_PARENT] relationship.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Connect opens a driver and checks that the server is reachable.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return driver, nil
}

var schema = []string{
	"CREATE CONSTRAINT task_id IF NOT EXISTS FOR (t:Task) REQUIRE t.id IS UNIQUE",
	"CREATE INDEX task_owner IF NOT EXISTS FOR (t:Task) ON (t.owner_id)",
	"CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
	"CREATE CONSTRAINT user_username IF NOT EXISTS FOR (u:User) REQUIRE u.username IS UNIQUE",
}

// Migrate creates the constraints and indexes the stores rely on.
func Migrate(ctx context.Context, driver neo4j.DriverWithContext) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range schema {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Store implements db.TaskStore on top of Neo4j.
type Store struct {
	driver neo4j.DriverWithContext
	// tx is set on stores handed out by WithTx.
	tx neo4j.ManagedTransaction
}

func NewStore(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

var _ db.TaskStore = (*Store)(nil)

// WithTx runs fn inside one write transaction. The driver retries fn on
// transient errors, so fn must not keep state between attempts.
func (s *Store) WithTx(ctx context.Context, fn func(repo db.TaskRepositoryInterface) error) error {
	if s.tx != nil {
		return fn(s)
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&Store{driver: s.driver, tx: tx})
	})
	return err
}

// run executes work in the open transaction or in a fresh one.
func (s *Store) run(ctx context.Context, write bool, work neo4j.ManagedTransactionWork) (any, error) {
	if s.tx != nil {
		return work(s.tx)
	}
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	if write {
		return session.ExecuteWrite(ctx, work)
	}
	return session.ExecuteRead(ctx, work)
}

const returnTask = " OPTIONAL MATCH (t)-[:HAS_PARENT]->(p:Task) RETURN t, p.id AS parent_id"

func (s *Store) Create(ctx context.Context, task *models.Task) error {
	_, err := s.run(ctx, true, func(tx neo4j.ManagedTransaction) (any, error) {
		params := taskParams(task)
		params["created_on"] = task.CreatedOn.UTC()
		params["owner_id"] = task.OwnerID.String()
		if _, err := tx.Run(ctx,
			"CREATE (t:Task {id: $id, owner_id: $owner_id, title: $title, description: $description, "+
				"label: $label, status: $status, is_done: $is_done, created_on: $created_on, "+
				"completed_on: $completed_on})",
			params); err != nil {
			return nil, err
		}
		return nil, linkParent(ctx, tx, task)
	})
	return err
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	result, err := s.run(ctx, false, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (t:Task {id: $id})"+returnTask, map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		return collectTasks(ctx, res)
	})
	if err != nil {
		return nil, err
	}
	list := result.([]*models.Task)
	if len(list) == 0 {
		return nil, fmt.Errorf("task with id %s: %w", id, db.ErrNotFound)
	}
	return list[0], nil
}

func (s *Store) Update(ctx context.Context, task *models.Task) error {
	_, err := s.run(ctx, true, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (t:Task {id: $id}) SET t.title = $title, t.description = $description, "+
				"t.label = $label, t.status = $status, t.is_done = $is_done, t.completed_on = $completed_on "+
				"RETURN t.id",
			taskParams(task))
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("task with id %s: %w", task.ID, db.ErrNotFound)
		}
		if _, err := tx.Run(ctx,
			"MATCH (t:Task {id: $id})-[r:HAS_PARENT]->() DELETE r",
			map[string]any{"id": task.ID.String()}); err != nil {
			return nil, err
		}
		return nil, linkParent(ctx, tx, task)
	})
	return err
}

// Delete removes the task and every node below it.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.run(ctx, true, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (d:Task)-[:HAS_PARENT*0..]->(t:Task {id: $id}) DETACH DELETE d RETURN count(d) AS n",
			map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if n, _ := record.Get("n"); n == int64(0) {
			return nil, fmt.Errorf("task with id %s: %w", id, db.ErrNotFound)
		}
		return nil, nil
	})
	return err
}

func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.Task, error) {
	result, err := s.run(ctx, false, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (t:Task)-[:HAS_PARENT]->(p:Task {id: $id}) "+
				"RETURN t, p.id AS parent_id ORDER BY t.created_on, t.id",
			map[string]any{"id": parentID.String()})
		if err != nil {
			return nil, err
		}
		return collectTasks(ctx, res)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*models.Task), nil
}

func (s *Store) ChildIDs(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[uuid.UUID][]uuid.UUID)
	if len(parentIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(parentIDs))
	for _, id := range parentIDs {
		ids = append(ids, id.String())
	}
	_, err := s.run(ctx, false, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (c:Task)-[:HAS_PARENT]->(p:Task) WHERE p.id IN $ids "+
				"RETURN c.id AS id, p.id AS parent_id ORDER BY c.created_on, c.id",
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			record := res.Record()
			childRaw, _ := record.Get("id")
			parentRaw, _ := record.Get("parent_id")
			child, err := parseID(childRaw)
			if err != nil {
				return nil, err
			}
			parent, err := parseID(parentRaw)
			if err != nil {
				return nil, err
			}
			out[parent] = append(out[parent], child)
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	query, params := listQuery(filter)
	result, err := s.run(ctx, false, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return collectTasks(ctx, res)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*models.Task), nil
}

// LockForUpdate takes the node write lock for the rest of the transaction.
func (s *Store) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	if s.tx == nil {
		return nil
	}
	res, err := s.tx.Run(ctx,
		"MATCH (t:Task {id: $id}) SET t._lock = true REMOVE t._lock RETURN t.id",
		map[string]any{"id": id.String()})
	if err != nil {
		return err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return err
		}
		return fmt.Errorf("task with id %s: %w", id, db.ErrNotFound)
	}
	return nil
}

var orderings = map[string]string{
	"created_on":    "t.created_on ASC",
	"-created_on":   "t.created_on DESC",
	"completed_on":  "t.completed_on ASC",
	"-completed_on": "t.completed_on DESC",
}

// listQuery builds the Cypher for List.
func listQuery(filter models.TaskFilter) (string, map[string]any) {
	var where []string
	params := map[string]any{}

	if filter.OwnerID != nil {
		where = append(where, "t.owner_id = $owner_id")
		params["owner_id"] = filter.OwnerID.String()
	}
	if filter.Status != "" {
		where = append(where, "t.status = $status")
		params["status"] = string(filter.Status)
	}
	if filter.Label != "" {
		where = append(where, "t.label = $label")
		params["label"] = filter.Label
	}
	if filter.IsDone != nil {
		where = append(where, "t.is_done = $is_done")
		params["is_done"] = *filter.IsDone
	}
	if filter.RootOnly {
		where = append(where, "NOT (t)-[:HAS_PARENT]->(:Task)")
	} else if filter.ParentID != nil {
		where = append(where, "(t)-[:HAS_PARENT]->(:Task {id: $parent_id})")
		params["parent_id"] = filter.ParentID.String()
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		where = append(where, "(toLower(t.title) CONTAINS $search OR toLower(t.description) CONTAINS $search)")
		params["search"] = strings.ToLower(search)
	}

	var b strings.Builder
	b.WriteString("MATCH (t:Task)")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(returnTask)
	order, ok := orderings[filter.Ordering]
	if !ok {
		order = "t.created_on ASC"
	}
	b.WriteString(" ORDER BY " + order + ", t.id")
	return b.String(), params
}

func linkParent(ctx context.Context, tx neo4j.ManagedTransaction, task *models.Task) error {
	if !task.HasParent() {
		return nil
	}
	res, err := tx.Run(ctx,
		"MATCH (t:Task {id: $id}), (p:Task {id: $parent_id}) CREATE (t)-[:HAS_PARENT]->(p) RETURN p.id",
		map[string]any{"id": task.ID.String(), "parent_id": task.ParentID.String()})
	if err != nil {
		return err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return err
		}
		return fmt.Errorf("parent task %s: %w", task.ParentID, db.ErrNotFound)
	}
	return nil
}

func taskParams(task *models.Task) map[string]any {
	var completed any
	if task.CompletedOn != nil {
		completed = task.CompletedOn.UTC()
	}
	return map[string]any{
		"id":           task.ID.String(),
		"title":        task.Title,
		"description":  task.Description,
		"label":        task.Label,
		"status":       string(task.Status),
		"is_done":      task.IsDone,
		"completed_on": completed,
	}
}

func collectTasks(ctx context.Context, res neo4j.ResultWithContext) ([]*models.Task, error) {
	tasks := []*models.Task{}
	for res.Next(ctx) {
		task, err := recordToTask(res.Record())
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func recordToTask(record *neo4j.Record) (*models.Task, error) {
	raw, ok := record.Get("t")
	if !ok {
		return nil, fmt.Errorf("record has no task node")
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected task value %T", raw)
	}
	props := node.Props

	id, err := parseID(props["id"])
	if err != nil {
		return nil, err
	}
	owner, err := parseID(props["owner_id"])
	if err != nil {
		return nil, err
	}
	task := &models.Task{
		ID:          id,
		OwnerID:     owner,
		Title:       stringProp(props, "title"),
		Description: stringProp(props, "description"),
		Label:       stringProp(props, "label"),
		Status:      models.TaskStatus(stringProp(props, "status")),
	}
	task.IsDone, _ = props["is_done"].(bool)
	if created, ok := props["created_on"].(time.Time); ok {
		task.CreatedOn = created.UTC()
	}
	if completed, ok := props["completed_on"].(time.Time); ok {
		c := completed.UTC()
		task.CompletedOn = &c
	}
	if parentRaw, _ := record.Get("parent_id"); parentRaw != nil {
		parent, err := parseID(parentRaw)
		if err != nil {
			return nil, err
		}
		task.ParentID = &parent
	}
	return task, nil
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func parseID(v any) (uuid.UUID, error) {
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected id value %T", v)
	}
	return uuid.Parse(s)
}
