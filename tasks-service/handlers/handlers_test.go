package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chepyr/subtask-tracker/internal/tasks"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.RemoteAddr = "10.0.0.1:1234"

	if got := clientIP(req); got != "1.2.3.4" {
		t.Fatalf("clientIP = %q, want %q", got, "1.2.3.4")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	if got := clientIP(req); got != "127.0.0.1" {
		t.Fatalf("clientIP = %q, want %q", got, "127.0.0.1")
	}
}

func TestCheckOrigin_EmptyAllowsAll(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://any.example")
	if !h.checkOrigin(req) {
		t.Fatalf("checkOrigin should allow when no origins are configured")
	}
}

func TestCheckOrigin_ListAllowAndDeny(t *testing.T) {
	h := &Handler{AllowedOrigins: []string{"https://a.example", "https://b.example"}}
	allowReq := httptest.NewRequest(http.MethodGet, "/", nil)
	allowReq.Header.Set("Origin", "https://b.example")
	denyReq := httptest.NewRequest(http.MethodGet, "/", nil)
	denyReq.Header.Set("Origin", "https://c.example")

	if !h.checkOrigin(allowReq) {
		t.Fatalf("expected allow for https://b.example")
	}
	if h.checkOrigin(denyReq) {
		t.Fatalf("expected deny for https://c.example")
	}
}

func TestRateLimiter_AllowBlocksAndResets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, 50*time.Millisecond)

	ip := "1.2.3.4"
	if !rl.Allow(ip) || !rl.Allow(ip) {
		t.Fatalf("first two attempts should be allowed")
	}
	if rl.Allow(ip) {
		t.Fatalf("third attempt should be blocked")
	}
	if !rl.Allow("5.6.7.8") {
		t.Fatalf("other ips keep their own budget")
	}

	time.Sleep(120 * time.Millisecond) // wait for cleanup to run
	if !rl.Allow(ip) {
		t.Fatalf("after window cleanup attempt should be allowed again")
	}
}

func TestRateLimiter_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rl := NewRateLimiter(ctx, 1, 30*time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	rl.Allow("ip")
	time.Sleep(80 * time.Millisecond)
	if rl.Allow("ip") {
		t.Fatalf("attempts should not reset after the limiter is stopped")
	}
}

func TestSendServiceError(t *testing.T) {
	h := &Handler{Logger: discardLogger()}
	tests := []struct {
		err  error
		want int
	}{
		{&tasks.ValidationError{Field: "title", Message: "this field may not be blank"}, http.StatusBadRequest},
		{tasks.ErrSelfParent, http.StatusBadRequest},
		{tasks.ErrParentCycle, http.StatusBadRequest},
		{tasks.ErrParentNotFound, http.StatusBadRequest},
		{tasks.ErrForbidden, http.StatusForbidden},
		{tasks.ErrNotFound, http.StatusNotFound},
		{&tasks.StorageError{Op: "update task", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.sendServiceError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("sendServiceError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
		if !strings.Contains(rec.Body.String(), `"error":`) {
			t.Errorf("body is not a JSON error: %s", rec.Body.String())
		}
	}
}
