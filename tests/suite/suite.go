package suite

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	httpauth "authd/internal/http/auth"
	"authd/internal/services/auth"
	"authd/internal/storage/sqlite"
)

const (
	AppSecret     = "test-secret"
	RefreshPepper = "test-pepper"
	TokenTTL      = time.Hour
	RefreshTTL    = 24 * time.Hour
)

type Suite struct {
	*testing.T
	Client  *http.Client
	BaseURL string
	Auth    *auth.Auth
	Storage *sqlite.Storage
}

// New boots the full HTTP stack against a throwaway sqlite file and
// returns a client pointed at it.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	schema, err := os.ReadFile("../migrations/1_init.up.sql")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close schema connection: %v", err)
	}

	storage, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	authService := auth.New(
		logger,
		storage, storage, storage,
		TokenTTL, RefreshTTL,
		AppSecret, RefreshPepper,
	)

	server := httptest.NewServer(httpauth.NewRouter(logger, authService))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	t.Cleanup(func() {
		t.Helper()
		cancel()
		server.Close()
		_ = storage.Close()
	})

	return ctx, &Suite{
		T:       t,
		Client:  server.Client(),
		BaseURL: server.URL,
		Auth:    authService,
		Storage: storage,
	}
}
