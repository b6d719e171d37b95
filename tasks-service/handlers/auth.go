package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type registerInput struct {
	Username string `json:"username" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=4"`
}

type loginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.RateLimiter != nil && !h.RateLimiter.Allow(ip) {
		h.Logger.Warn("rate limit exceeded", "ip", ip, "route", "register")
		sendError(w, "Too many register attempts. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var input registerInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&input); err != nil {
		sendError(w, "Bad JSON", http.StatusBadRequest)
		return
	}
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	if err := validate.Struct(input); err != nil {
		sendError(w, credentialsMessage(err), http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		h.Logger.Error("hash password", "err", err)
		sendError(w, "Cannot hash password", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.UserRepo.Create(ctx, user); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			sendError(w, "A user with that username already exists.", http.StatusBadRequest)
			return
		}
		h.Logger.Error("save user", "err", err)
		sendError(w, "Cannot save user", http.StatusInternalServerError)
		return
	}

	token, err := h.generateToken(user.ID, user.IsAdmin)
	if err != nil {
		h.Logger.Error("sign token", "err", err)
		sendError(w, "Cannot create token", http.StatusInternalServerError)
		return
	}
	h.Logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	setTokenCookie(w, token)
	sendJSON(w, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"token":   token,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.RateLimiter != nil && !h.RateLimiter.Allow(ip) {
		h.Logger.Warn("rate limit exceeded", "ip", ip, "route", "login")
		sendError(w, "Too many login attempts. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var input loginInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&input); err != nil {
		sendError(w, "Bad JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(input); err != nil {
		sendError(w, credentialsMessage(err), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	user, err := h.UserRepo.GetByUsername(ctx, strings.TrimSpace(input.Username))
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.Logger.Error("load user", "err", err)
		}
		sendError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		h.Logger.Warn("invalid password", "username", user.Username)
		sendError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.generateToken(user.ID, user.IsAdmin)
	if err != nil {
		h.Logger.Error("sign token", "err", err)
		sendError(w, "Cannot create token", http.StatusInternalServerError)
		return
	}
	h.Logger.Info("user logged in", "user_id", user.ID)
	setTokenCookie(w, token)
	sendJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"token":   token,
	})
}

// Logout clears the session cookie. Bearer tokens simply expire.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func credentialsMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid input"
	}
	switch e := verrs[0]; e.Field() {
	case "Username":
		return "Username must be between 3 and 150 characters"
	case "Email":
		return "Invalid email"
	case "Password":
		if e.Tag() == "min" {
			return "Password must be at least 4 characters long"
		}
		return "Password is required"
	default:
		return "Invalid input"
	}
}
