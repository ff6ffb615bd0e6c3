// Command server runs the reference expense API the sync core talks to.
//
// Settings come from config.yaml / environment (see internal/config). For
// compatibility PORT and DB_PATH override server.addr and server.db_path,
// and ADMIN_EMAIL (or ADMIN_USER) with ADMIN_PASSWORD seeds the first
// account when the database has no users.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"expense-sync/internal/app"
	"expense-sync/internal/auth"
	"expense-sync/internal/backend"
	"expense-sync/internal/config"

	"github.com/joho/godotenv"
)

const sessionSweepInterval = time.Hour

func main() {
	// Load .env if present; real environment variables take precedence.
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Server.DBPath = path
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := app.NewLogger(cfg.Log)

	db, err := backend.NewDB(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, logger); err != nil {
		return err
	}

	issuer := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	h := backend.NewHandlers(db, issuer, cfg.Server.SessionTTL, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, db, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupRouter wraps the API with request logging.
func setupRouter(h *backend.Handlers, logger *slog.Logger) http.Handler {
	mux := h.Routes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func seedAdmin(db *backend.DB, logger *slog.Logger) error {
	email := os.Getenv("ADMIN_EMAIL")
	if email == "" {
		email = os.Getenv("ADMIN_USER")
	}
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	count, err := db.UserCount()
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	name, _, _ := strings.Cut(email, "@")
	user, err := db.CreateUser(name, email, hash)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	logger.Info("seeded admin user", slog.Int64("user_id", user.ID))
	return nil
}

func sweepSessions(ctx context.Context, db *backend.DB, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanExpiredSessions()
			if err != nil {
				logger.Warn("clean expired sessions", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("cleaned expired sessions", slog.Int64("count", n))
			}
		}
	}
}
