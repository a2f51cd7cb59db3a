package app

import (
	"context"
	"log/slog"
	"time"

	"authd/internal/app/httpserver"
	"authd/internal/config"
	httpauth "authd/internal/http/auth"
	"authd/internal/services/auth"
	"authd/internal/storage/mongodb"
	"authd/internal/storage/sqlite"
)

type App struct {
	HTTPSrv *httpserver.App
}

// storage is the union of the interfaces the auth service needs; both
// backends satisfy it.
type storage interface {
	auth.UserSaver
	auth.UserProvider
	auth.SessionStore
}

func New(
	logger *slog.Logger,
	cfg *config.Config,
) *App {
	var store storage
	switch cfg.Storage.Backend {
	case "sqlite", "":
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			panic(err)
		}
		store = s
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			panic(err)
		}
		store = s
	default:
		panic("unknown storage backend: " + cfg.Storage.Backend)
	}

	authService := auth.New(
		logger,
		store,
		store,
		store,
		cfg.TokenTTL,
		cfg.RefreshTokenTTL,
		cfg.AppSecret,
		cfg.RefreshPepper,
	)
	router := httpauth.NewRouter(logger, authService)
	httpApp := httpserver.New(logger, router, cfg.HTTP.Port, cfg.HTTP.Timeout)

	return &App{
		HTTPSrv: httpApp,
	}
}
