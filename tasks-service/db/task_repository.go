package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/google/uuid"
)

// defines methods for task db operations
type TaskRepositoryInterface interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	// Delete removes the task and all of its descendants.
	Delete(ctx context.Context, id uuid.UUID) error
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.Task, error)
	ChildIDs(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	LockForUpdate(ctx context.Context, id uuid.UUID) error
}

// TaskStore is a task repository that can run a function inside one transaction.
type TaskStore interface {
	TaskRepositoryInterface
	WithTx(ctx context.Context, fn func(repo TaskRepositoryInterface) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var taskColumns = []string{
	"id", "owner_id", "parent_id", "title", "description", "label",
	"status", "is_done", "created_on", "completed_on",
}

type TaskRepository struct {
	db     *sql.DB
	q      querier
	driver string
	inTx   bool
	sb     sq.StatementBuilderType
}

func NewTaskRepository(db *sql.DB, driverName string) *TaskRepository {
	return &TaskRepository{
		db:     db,
		q:      db,
		driver: driverName,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// WithTx runs fn against a repository bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calls on
// a repository that is already inside a transaction reuse it.
func (r *TaskRepository) WithTx(ctx context.Context, fn func(repo TaskRepositoryInterface) error) error {
	if r.inTx {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txRepo := &TaskRepository{db: r.db, q: tx, driver: r.driver, inTx: true, sb: r.sb}
	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	query, args, err := r.sb.Insert("tasks").
		Columns(taskColumns...).
		Values(
			task.ID, task.OwnerID, nullUUID(task.ParentID), task.Title, task.Description,
			task.Label, string(task.Status), task.IsDone, task.CreatedOn, nullTime(task),
		).ToSql()
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, query, args...)
	return err
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	query, args, err := r.sb.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	task, err := scanTask(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

// Update writes every mutable column. created_on and owner_id never change.
func (r *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	query, args, err := r.sb.Update("tasks").
		Set("parent_id", nullUUID(task.ParentID)).
		Set("title", task.Title).
		Set("description", task.Description).
		Set("label", task.Label).
		Set("status", string(task.Status)).
		Set("is_done", task.IsDone).
		Set("completed_on", nullTime(task)).
		Where(sq.Eq{"id": task.ID}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task with id %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	// check if exists
	var one int
	query, args, err := r.sb.Select("1").From("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task with id %s: %w", id, ErrNotFound)
		}
		return err
	}

	// collect the subtree level by level so the cascade does not depend on
	// foreign key enforcement in the driver
	ids := []uuid.UUID{id}
	frontier := []uuid.UUID{id}
	for len(frontier) > 0 {
		children, err := r.ChildIDs(ctx, frontier)
		if err != nil {
			return err
		}
		var next []uuid.UUID
		for _, kids := range children {
			next = append(next, kids...)
		}
		ids = append(ids, next...)
		frontier = next
	}

	query, args, err = r.sb.Delete("tasks").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, query, args...)
	return err
}

func (r *TaskRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.Task, error) {
	query, args, err := r.sb.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"parent_id": parentID}).
		OrderBy("created_on", "id").ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryTasks(ctx, query, args...)
}

// ChildIDs maps each of parentIDs that has children to its direct child ids.
func (r *TaskRepository) ChildIDs(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[uuid.UUID][]uuid.UUID)
	if len(parentIDs) == 0 {
		return out, nil
	}
	query, args, err := r.sb.Select("id", "parent_id").From("tasks").
		Where(sq.Eq{"parent_id": parentIDs}).
		OrderBy("created_on", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, parentID uuid.UUID
		if err := rows.Scan(&id, &parentID); err != nil {
			return nil, err
		}
		out[parentID] = append(out[parentID], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var orderings = map[string]string{
	"created_on":    "created_on ASC",
	"-created_on":   "created_on DESC",
	"completed_on":  "completed_on ASC",
	"-completed_on": "completed_on DESC",
}

// ValidOrdering reports whether List understands the ordering key.
func ValidOrdering(ordering string) bool {
	_, ok := orderings[ordering]
	return ordering == "" || ok
}

func (r *TaskRepository) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	b := r.sb.Select(taskColumns...).From("tasks")
	if filter.OwnerID != nil {
		b = b.Where(sq.Eq{"owner_id": *filter.OwnerID})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Label != "" {
		b = b.Where(sq.Eq{"label": filter.Label})
	}
	if filter.IsDone != nil {
		b = b.Where(sq.Eq{"is_done": *filter.IsDone})
	}
	if filter.RootOnly {
		b = b.Where(sq.Eq{"parent_id": nil})
	} else if filter.ParentID != nil {
		b = b.Where(sq.Eq{"parent_id": *filter.ParentID})
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + likeEscaper.Replace(search) + "%"
		op := "LIKE"
		if r.driver == DriverPostgres {
			op = "ILIKE"
		}
		b = b.Where(sq.Or{
			sq.Expr("title "+op+" ? ESCAPE '\\'", pattern),
			sq.Expr("description "+op+" ? ESCAPE '\\'", pattern),
		})
	}
	order, ok := orderings[filter.Ordering]
	if !ok {
		order = "created_on ASC"
	}
	b = b.OrderBy(order, "id")

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryTasks(ctx, query, args...)
}

// likeEscaper makes user search text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LockForUpdate takes a row lock on postgres. sqlite already holds a
// database-wide write lock for the transaction, so it is a no-op there.
func (r *TaskRepository) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	if r.driver != DriverPostgres || !r.inTx {
		return nil
	}
	query, args, err := r.sb.Select("id").From("tasks").
		Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return err
	}
	var locked uuid.UUID
	return notFound(r.q.QueryRowContext(ctx, query, args...).Scan(&locked))
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var (
		parent    uuid.NullUUID
		status    string
		completed sql.NullTime
	)
	if err := row.Scan(
		&task.ID, &task.OwnerID, &parent, &task.Title, &task.Description, &task.Label,
		&status, &task.IsDone, &task.CreatedOn, &completed,
	); err != nil {
		return nil, err
	}
	if parent.Valid {
		id := parent.UUID
		task.ParentID = &id
	}
	task.Status = models.TaskStatus(status)
	if completed.Valid {
		t := completed.Time
		task.CompletedOn = &t
	}
	return task, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil || *id == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(task *models.Task) sql.NullTime {
	if task.CompletedOn == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *task.CompletedOn, Valid: true}
}
