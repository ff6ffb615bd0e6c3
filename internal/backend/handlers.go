package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expense-sync/internal/auth"
	"expense-sync/internal/models"
	"expense-sync/internal/remote"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "user"
	// SessionContextKey is the context key for the session id.
	SessionContextKey contextKey = "session"

	// MinPasswordLength is enforced at registration.
	MinPasswordLength = 8

	maxBodyBytes = 1 << 20
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db         *DB
	issuer     *auth.Issuer
	sessionTTL time.Duration
	log        *slog.Logger
}

// NewHandlers creates a new Handlers instance. Sessions live for sessionTTL
// and roll over while in use; access tokens are short-lived and re-issued
// through /auth/refresh.
func NewHandlers(db *DB, issuer *auth.Issuer, sessionTTL time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handlers{db: db, issuer: issuer, sessionTTL: sessionTTL, log: logger.With("component", "backend")}
}

// GetUserFromContext retrieves the authenticated user from request context.
func GetUserFromContext(r *http.Request) *models.User {
	if user, ok := r.Context().Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

func sessionFromContext(r *http.Request) string {
	id, _ := r.Context().Value(SessionContextKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// AuthMiddleware wraps handlers to require a valid bearer token whose
// session is still live. It also implements rolling sessions: if a session
// is past the halfway point of its lifetime, it is renewed.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		info, err := h.session(claims)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		h.maybeRenew(claims.SessionID, info)

		ctx := context.WithValue(r.Context(), UserContextKey, info.User)
		ctx = context.WithValue(ctx, SessionContextKey, claims.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) session(claims *auth.Claims) (*SessionInfo, error) {
	info, err := h.db.ValidateSessionWithInfo(claims.SessionID)
	if err != nil {
		return nil, err
	}
	if info.User.ID != claims.UserID {
		return nil, ErrNotFound
	}
	return info, nil
}

func (h *Handlers) maybeRenew(sessionID string, info *SessionInfo) {
	now := time.Now()
	if info.ExpiresAt.Sub(now) >= h.sessionTTL/2 {
		return
	}
	// If renewal fails, just continue with the current session
	if err := h.db.RenewSession(sessionID, now.Add(h.sessionTTL)); err != nil {
		h.log.Warn("renew session", slog.String("error", err.Error()))
	}
}

// Register creates an account and logs it in.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var in remote.Credentials
	if !decode(w, r, &in) {
		return
	}
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.Email == "" || !strings.Contains(in.Email, "@"):
		writeError(w, http.StatusUnprocessableEntity, "a valid email is required")
		return
	case len(in.Password) < MinPasswordLength:
		writeError(w, http.StatusUnprocessableEntity, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		h.log.Error("hash password", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	user, err := h.db.CreateUser(in.Name, in.Email, hash)
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		h.log.Error("create user", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.log.Info("user registered", slog.Int64("user_id", user.ID))
	h.startSession(w, user, http.StatusCreated)
}

// Login exchanges credentials for an access token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in remote.Credentials
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "email and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(strings.TrimSpace(in.Email))
	if err != nil || !auth.CheckPassword(in.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	h.startSession(w, user, http.StatusOK)
}

func (h *Handlers) startSession(w http.ResponseWriter, user *models.User, status int) {
	sessionID, err := auth.GenerateSessionToken()
	if err != nil {
		h.log.Error("generate session token", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := h.db.CreateSession(sessionID, user.ID, time.Now().Add(h.sessionTTL)); err != nil {
		h.log.Error("create session", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeToken(w, status, user, sessionID)
}

func (h *Handlers) writeToken(w http.ResponseWriter, status int, user *models.User, sessionID string) {
	token, exp, err := h.issuer.Issue(user.ID, sessionID)
	if err != nil {
		h.log.Error("issue token", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	expiresIn := int64(time.Until(exp).Seconds())
	email := user.Email
	writeJSON(w, status, remote.AuthResponse{
		Token:     token,
		ExpiresIn: &expiresIn,
		User:      models.UserProfile{ID: user.ID, Name: user.Name, Email: &email},
	})
}

// Refresh re-issues an access token. The presented token may be expired,
// but its signature must verify and its session must still be live.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.VerifyAllowExpired(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	info, err := h.session(claims)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	h.maybeRenew(claims.SessionID, info)
	h.writeToken(w, http.StatusOK, info.User, claims.SessionID)
}

// Logout ends the session the token belongs to.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeleteSession(sessionFromContext(r)); err != nil {
		h.log.Error("delete session", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListExpenses returns every expense of the user.
func (h *Handlers) ListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.db.ListExpenses(GetUserFromContext(r).ID)
	if err != nil {
		h.log.Error("list expenses", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

// CreateExpense creates an expense. Repeating a create with the same
// client_id returns the expense created first.
func (h *Handlers) CreateExpense(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parseInput(w, r)
	if !ok {
		return
	}
	e, created, err := h.db.CreateExpense(GetUserFromContext(r).ID, in)
	if err != nil {
		h.log.Error("create expense", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, e)
}

// UpdateExpense replaces an existing expense.
func (h *Handlers) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, ok := h.parseInput(w, r)
	if !ok {
		return
	}
	e, err := h.db.UpdateExpense(GetUserFromContext(r).ID, id, in)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "expense not found")
		return
	}
	if err != nil {
		h.log.Error("update expense", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteExpense deletes one expense.
func (h *Handlers) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := h.db.DeleteExpense(GetUserFromContext(r).ID, id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "expense not found")
		return
	}
	if err != nil {
		h.log.Error("delete expense", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	ExpenseIDs []int64 `json:"expense_ids"`
}

// BulkDeleteExpenses deletes every listed expense of the user. Ids that do
// not exist are skipped.
func (h *Handlers) BulkDeleteExpenses(w http.ResponseWriter, r *http.Request) {
	var in bulkDeleteRequest
	if !decode(w, r, &in) {
		return
	}
	n, err := h.db.DeleteExpenses(GetUserFromContext(r).ID, in.ExpenseIDs)
	if err != nil {
		h.log.Error("bulk delete", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// Health reports that the server is up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) parseInput(w http.ResponseWriter, r *http.Request) (remote.ExpenseInput, bool) {
	var in remote.ExpenseInput
	if !decode(w, r, &in) {
		return in, false
	}
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Description == "":
		writeError(w, http.StatusUnprocessableEntity, "description is required")
	case in.Amount.IsNegative():
		writeError(w, http.StatusUnprocessableEntity, "amount must not be negative")
	case time.Time(in.Date).IsZero():
		writeError(w, http.StatusUnprocessableEntity, "date is required")
	default:
		return in, true
	}
	return in, false
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "expense not found")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Routes registers the API on a new ServeMux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler { return h.AuthMiddleware(fn) }

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("POST /auth/register", h.Register)
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.Handle("POST /auth/logout", protect(h.Logout))

	mux.Handle("GET /expense", protect(h.ListExpenses))
	mux.Handle("POST /expense", protect(h.CreateExpense))
	mux.Handle("GET /expense/stats", protect(h.Statistics))
	mux.Handle("PUT /expense/{id}", protect(h.UpdateExpense))
	mux.Handle("DELETE /expense/{id}", protect(h.DeleteExpense))
	mux.Handle("DELETE /expenses/bulk", protect(h.BulkDeleteExpenses))
	return mux
}
