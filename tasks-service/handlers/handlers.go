package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/gorilla/mux"
)

const requestTimeout = 5 * time.Second

type Handler struct {
	Tasks    *tasks.Service
	UserRepo db.UserRepositoryInterface
	// RateLimiter guards register and login, WSRateLimiter guards /ws.
	RateLimiter   *RateLimiter
	WSRateLimiter *RateLimiter
	WSHub         *WSHub
	Logger        *log.Logger
	JWTSecret     string
	// AllowedOrigins restricts websocket origins. Empty allows all.
	AllowedOrigins []string
}

// NewRouter wires every route of the service onto a gorilla/mux router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	// registered on the root router: a mux subrouter answers 404 on a method mismatch
	r.HandleFunc("/api/tasks", h.AuthMiddleware(h.listTasks)).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", h.AuthMiddleware(h.createTask)).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}", h.AuthMiddleware(h.getTask)).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", h.AuthMiddleware(h.updateTask)).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/api/tasks/{id}", h.AuthMiddleware(h.deleteTask)).Methods(http.MethodDelete)
	r.HandleFunc("/api/tasks/{id}/cancel", h.AuthMiddleware(h.cancelTask)).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/done", h.AuthMiddleware(h.markTaskDone)).Methods(http.MethodPost)

	r.HandleFunc("/dashboard", h.AuthMiddleware(h.dashboard)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", h.AuthMiddleware(h.dashboardCreate)).Methods(http.MethodPost)
	r.HandleFunc("/task/{id}/action", h.AuthMiddleware(h.taskAction)).Methods(http.MethodPost)

	r.HandleFunc("/admin/tasks", h.AuthMiddleware(h.AdminOnly(h.adminListTasks))).Methods(http.MethodGet)

	r.HandleFunc("/ws", h.AuthMiddleware(h.HandleWebSocket)).Methods(http.MethodGet)
	return r
}

type RateLimiter struct {
	attempts map[string]int
	limit    int
	mutex    sync.Mutex
	window   time.Duration
}

// NewRateLimiter allows limit attempts per key in every window. The reset
// loop stops when ctx is cancelled.
func NewRateLimiter(ctx context.Context, limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts: make(map[string]int),
		limit:    limit,
		window:   window,
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	count, exists := rl.attempts[ip]
	if !exists {
		rl.attempts[ip] = 1
		return true
	}
	if count >= rl.limit {
		return false
	}
	rl.attempts[ip]++
	return true
}

// reset the attempts map every window duration
func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mutex.Lock()
			rl.attempts = make(map[string]int)
			rl.mutex.Unlock()
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendError(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, errorResponse{Error: message})
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendServiceError maps task service errors onto HTTP statuses.
func (h *Handler) sendServiceError(w http.ResponseWriter, err error) {
	var verr *tasks.ValidationError
	switch {
	case errors.As(err, &verr):
		sendError(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, tasks.ErrSelfParent),
		errors.Is(err, tasks.ErrParentCycle),
		errors.Is(err, tasks.ErrParentNotFound):
		sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tasks.ErrForbidden):
		sendError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, tasks.ErrNotFound):
		sendError(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		sendError(w, "Request timed out", http.StatusGatewayTimeout)
	default:
		h.Logger.Error("task operation failed", "err", err)
		sendError(w, "Failed to save task", http.StatusInternalServerError)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
