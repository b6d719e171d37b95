package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chepyr/subtask-tracker/internal/logging"
	"github.com/chepyr/subtask-tracker/internal/propagation"
	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/chepyr/subtask-tracker/internal/testutil"
	"github.com/chepyr/subtask-tracker/shared/models"
	tdb "github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var testSecret = strings.Repeat("a", 32)

func discardLogger() *log.Logger {
	return logging.Discard()
}

type testServer struct {
	h      *Handler
	router http.Handler
	users  *tdb.UserRepository
	tasks  *tdb.TaskRepository
}

func setupHTTP(t *testing.T) *testServer {
	t.Helper()

	dbx := testutil.SQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := discardLogger()
	hub := NewWSHub(logger)
	taskRepo := tdb.NewTaskRepository(dbx, tdb.DriverSQLite)
	userRepo := tdb.NewUserRepository(dbx)
	svc := tasks.NewService(taskRepo, propagation.New(propagation.DepthParent), logger, tasks.WithNotifier(hub))

	h := &Handler{
		Tasks:         svc,
		UserRepo:      userRepo,
		RateLimiter:   NewRateLimiter(ctx, 100, time.Minute),
		WSRateLimiter: NewRateLimiter(ctx, 100, time.Minute),
		WSHub:         hub,
		Logger:        logger,
		JWTSecret:     testSecret,
	}
	return &testServer{h: h, router: NewRouter(h), users: userRepo, tasks: taskRepo}
}

func bearerForUser(t *testing.T, secret, userID string) string {
	t.Helper()
	return "Bearer " + signToken(t, secret, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
}

func bearerForAdmin(t *testing.T, secret, userID string) string {
	t.Helper()
	return "Bearer " + signToken(t, secret, jwt.MapClaims{
		"sub": userID,
		"adm": true,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

// do sends body as JSON, or url-encoded when it is a formBody.
func (s *testServer) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case formBody:
		reader = strings.NewReader(string(b))
		contentType = "application/x-www-form-urlencoded"
	case string:
		reader = strings.NewReader(b)
		contentType = "application/json"
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type formBody string

func (s *testServer) createTask(t *testing.T, authz string, body map[string]any) *models.Task {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/tasks", authz, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/tasks status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decodeTask(t, rec)
}

func (s *testServer) getTask(t *testing.T, authz string, id uuid.UUID) *models.Task {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/tasks/"+id.String(), authz, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/tasks/%s status=%d body=%s", id, rec.Code, rec.Body.String())
	}
	return decodeTask(t, rec)
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *models.Task {
	t.Helper()
	var task models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v body=%s", err, rec.Body.String())
	}
	return &task
}

func decodeTasks(t *testing.T, rec *httptest.ResponseRecorder) []*models.Task {
	t.Helper()
	var list []*models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode task list: %v body=%s", err, rec.Body.String())
	}
	return list
}
