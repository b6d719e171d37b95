package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// UserStore implements db.UserRepositoryInterface with (:User) nodes.
type UserStore struct {
	driver neo4j.DriverWithContext
}

func NewUserStore(driver neo4j.DriverWithContext) *UserStore {
	return &UserStore{driver: driver}
}

var _ db.UserRepositoryInterface = (*UserStore)(nil)

func (s *UserStore) Create(ctx context.Context, user *models.User) error {
	_, err := neo4j.ExecuteQuery(ctx, s.driver,
		"CREATE (u:User {id: $id, username: $username, email: $email, password_hash: $password_hash, "+
			"is_admin: $is_admin, created_at: $created_at, updated_at: $updated_at})",
		map[string]any{
			"id":            user.ID.String(),
			"username":      user.Username,
			"email":         user.Email,
			"password_hash": user.PasswordHash,
			"is_admin":      user.IsAdmin,
			"created_at":    user.CreatedAt.UTC(),
			"updated_at":    user.UpdatedAt.UTC(),
		},
		neo4j.EagerResultTransformer)
	if err != nil && isConstraintViolation(err) {
		return db.ErrUserExists
	}
	return err
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findOne(ctx, "MATCH (u:User {username: $value}) RETURN u", username)
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.findOne(ctx, "MATCH (u:User {id: $value}) RETURN u", id.String())
}

func (s *UserStore) SetAdmin(ctx context.Context, username string, isAdmin bool) error {
	result, err := neo4j.ExecuteQuery(ctx, s.driver,
		"MATCH (u:User {username: $username}) SET u.is_admin = $is_admin, u.updated_at = $now RETURN u.id",
		map[string]any{"username": username, "is_admin": isAdmin, "now": time.Now().UTC()},
		neo4j.EagerResultTransformer)
	if err != nil {
		return err
	}
	if len(result.Records) == 0 {
		return fmt.Errorf("user %s: %w", username, db.ErrNotFound)
	}
	return nil
}

func (s *UserStore) findOne(ctx context.Context, query, value string) (*models.User, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, query,
		map[string]any{"value": value},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	if len(result.Records) == 0 {
		return nil, db.ErrNotFound
	}
	raw, _ := result.Records[0].Get("u")
	node, ok := raw.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected user value %T", raw)
	}
	id, err := parseID(node.Props["id"])
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:           id,
		Username:     stringProp(node.Props, "username"),
		Email:        stringProp(node.Props, "email"),
		PasswordHash: stringProp(node.Props, "password_hash"),
	}
	user.IsAdmin, _ = node.Props["is_admin"].(bool)
	if t, ok := node.Props["created_at"].(time.Time); ok {
		user.CreatedAt = t.UTC()
	}
	if t, ok := node.Props["updated_at"].(time.Time); ok {
		user.UpdatedAt = t.UTC()
	}
	return user, nil
}

func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	return errors.As(err, &neoErr) && strings.HasSuffix(neoErr.Code, "ConstraintValidationFailed")
}
