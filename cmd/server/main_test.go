package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"expense-sync/internal/auth"
	"expense-sync/internal/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupRouter(t *testing.T) {
	db, err := backend.NewDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	issuer := auth.NewIssuer(strings.Repeat("k", 32), time.Minute)
	h := backend.NewHandlers(db, issuer, time.Hour, nil)

	mux := setupRouter(h, discard())

	tests := []struct {
		name, method, path, body string
		wantStatus               int
	}{
		{"health", "GET", "/healthz", "", http.StatusOK},
		{"list needs token", "GET", "/expense", "", http.StatusUnauthorized},
		{"bulk delete needs token", "DELETE", "/expenses/bulk", "", http.StatusUnauthorized},
		{"stats need token", "GET", "/expense/stats", "", http.StatusUnauthorized},
		{"unknown user", "POST", "/auth/login", `{"email":"nobody@example.com","password":"x"}`, http.StatusUnauthorized},
		{"method not allowed", "PATCH", "/expense", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rec.Code, "%s %s", tt.method, tt.path)
		})
	}
}

func TestSeedAdmin(t *testing.T) {
	db, err := backend.NewDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	t.Setenv("ADMIN_EMAIL", "")
	t.Setenv("ADMIN_USER", "admin@example.com")
	t.Setenv("ADMIN_PASSWORD", "testpass123")

	require.NoError(t, seedAdmin(db, discard()))
	require.NoError(t, seedAdmin(db, discard()), "seeding is skipped once users exist")

	count, err := db.UserCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	u, err := db.GetUserByEmail("admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Name)
	assert.True(t, auth.CheckPassword("testpass123", u.PasswordHash))
}
