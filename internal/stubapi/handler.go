// Package stubapi is an in-memory implementation of the link-shortening REST API.
// It backs local development of the console and the end-to-end tests.
package stubapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/httpx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type userIDKey struct{}

// Handler serves the API routes.
type Handler struct {
	store        *Store
	sessions     *Sessions
	logger       *slog.Logger
	secureCookie bool
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Store        *Store
	Sessions     *Sessions
	Logger       *slog.Logger
	SecureCookie bool // set the Secure attribute on the session cookie
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		logger:       logger,
		secureCookie: cfg.SecureCookie,
	}
}

// Register adds the API routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/register", h.RegisterUser).Methods(http.MethodPost)
	r.HandleFunc("/api/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/api/qr/{code}", h.QRCode).Methods(http.MethodGet)

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(h.requireUser)
	authed.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	authed.HandleFunc("/check-url", h.CheckURL).Methods(http.MethodPost)
	authed.HandleFunc("/shorten", h.Shorten).Methods(http.MethodPost)
	authed.HandleFunc("/urls", h.ListURLs).Methods(http.MethodGet)
	authed.HandleFunc("/urls/{code}", h.DeleteURL).Methods(http.MethodDelete)
	authed.HandleFunc("/analytics/{code}", h.Analytics).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "Not Found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
	})
}

/*** Auth ***/

// RegisterUser handles POST /api/register.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[linkapi.Registration](w, r, h.logger)
	if !ok {
		return
	}

	u, err := h.store.CreateUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user registered", "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusOK, u)
}

// Login handles POST /api/login and sets the session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[linkapi.Credentials](w, r, h.logger)
	if !ok {
		return
	}

	u, err := h.store.Authenticate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, expires, err := h.sessions.Issue(u.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.InfoContext(r.Context(), "user logged in", "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusOK, linkapi.LoginResponse{
		Message: "Login successful",
		User:    linkapi.User{ID: u.ID, Name: u.Name, Email: u.Email},
	})
}

// Logout handles POST /api/logout. It succeeds whether or not a session exists.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		h.sessions.Revoke(c.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.WriteJSON(w, http.StatusOK, linkapi.Message{Message: "Logout successful"})
}

// Me handles GET /api/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.User(r.Context(), userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

/*** Links ***/

// CheckURL handles POST /api/check-url.
func (h *Handler) CheckURL(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[linkapi.SubmissionRequest](w, r, h.logger)
	if !ok {
		return
	}

	check, err := h.store.Check(r.Context(), userID(r.Context()), req.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, check)
}

// Shorten handles POST /api/shorten.
func (h *Handler) Shorten(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[linkapi.SubmissionRequest](w, r, h.logger)
	if !ok {
		return
	}

	rec, err := h.store.Shorten(r.Context(), userID(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "url shortened",
		"request_id", httpx.RequestIDFrom(r.Context()),
		"short_code", rec.ShortCode,
		"is_active", rec.IsActive,
		"use_existing_code", req.UseExistingCode,
		"custom_code", req.CustomCode != "",
	)
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// listItem is a list entry. The list endpoint omits is_active since it only
// returns active links, and always sends qr_code, null until rendered.
type listItem struct {
	ID          int64             `json:"id"`
	OriginalURL string            `json:"original_url"`
	ShortCode   string            `json:"short_code"`
	ShortURL    string            `json:"short_url"`
	CreatedAt   linkapi.Timestamp `json:"created_at"`
	ClickCount  int64             `json:"click_count"`
	QRCode      *string           `json:"qr_code"`
}

// ListURLs handles GET /api/urls?skip=&limit=.
func (h *Handler) ListURLs(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_query", err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_query", err.Error())
		return
	}
	limit = min(limit, maxListLimit)

	records, err := h.store.List(r.Context(), userID(r.Context()), skip, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]listItem, len(records))
	for i, rec := range records {
		out[i] = listItem{
			ID:          rec.ID,
			OriginalURL: rec.OriginalURL,
			ShortCode:   rec.ShortCode,
			ShortURL:    rec.ShortURL,
			CreatedAt:   rec.CreatedAt,
			ClickCount:  rec.ClickCount,
		}
		if rec.QRCode != "" {
			out[i].QRCode = &rec.QRCode
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// DeleteURL handles DELETE /api/urls/{code}.
func (h *Handler) DeleteURL(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	receipt, err := h.store.Delete(r.Context(), userID(r.Context()), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "url deleted", "short_code", code, "backup_until", receipt.BackupUntil)
	httpx.WriteJSON(w, http.StatusOK, receipt)
}

// Analytics handles GET /api/analytics/{code}.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Analytics(r.Context(), userID(r.Context()), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// QRCode handles GET /api/qr/{code}. It needs no session.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	img, err := h.store.QR(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, img)
}

/*** Helpers ***/

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}

		id, err := h.sessions.Verify(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", errx.Message(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, id)))
	})
}

func userID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}

// writeError maps a store error to a response. Taken codes and emails are 400,
// as the upstream API reports them.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"request_id", httpx.RequestIDFrom(r.Context()),
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	status := httpx.StatusFromKind(kind)
	if kind == errx.Conflict {
		status = http.StatusBadRequest
	}

	detail := errx.Message(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", logAttrs...)
		detail = "Service temporarily unavailable. Please try again later."
	} else {
		h.logger.WarnContext(r.Context(), "request rejected", logAttrs...)
	}

	httpx.WriteError(w, status, codeFor(kind), detail)
}

func codeFor(kind errx.Kind) string {
	switch kind {
	case errx.Validation:
		return "invalid_input"
	case errx.Conflict:
		return "conflict"
	case errx.NotFound:
		return "not_found"
	case errx.Unauthorized:
		return "unauthorized"
	case errx.Transient:
		return "unavailable"
	default:
		return "internal_error"
	}
}

func decode[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (T, bool) {
	v, err := httpx.DecodeJSON[T](r)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to decode request",
			"request_id", httpx.RequestIDFrom(r.Context()),
			"error", err.Error(),
		)
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return v, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
