// Package app wires the data plane together: config, logger, tombstone
// backend, feed and confirmation clients, the engine, and the HTTP server.
package app

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"dispatchd/internal/config"
	"dispatchd/internal/confirm"
	"dispatchd/internal/engine"
	"dispatchd/internal/events"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/logging"
	"dispatchd/internal/polljob"
	"dispatchd/internal/source"
	"dispatchd/internal/tombstone"
)

type App struct {
	cfg     config.Config
	log     *zap.Logger
	eng     *engine.Engine
	bus     *events.Bus
	handler http.Handler
}

func New(cfg config.Config) (*App, error) {
	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var backend tombstone.Backend
	switch cfg.TombstoneBackend {
	case "sqlite":
		backend, err = tombstone.NewSQLiteBackend(cfg.TombstoneDB)
		if err != nil {
			return nil, eris.Wrap(err, "app: open tombstone db")
		}
	case "file", "":
		backend = tombstone.NewFileBackend(cfg.TombstonePath, log)
	default:
		return nil, eris.Errorf("app: unknown tombstone backend %q", cfg.TombstoneBackend)
	}
	tombs := tombstone.NewSet(backend, log)

	client := source.NewClient(source.Options{
		FeedURL:  cfg.FeedURL,
		JobURL:   cfg.JobURL,
		Timeout:  cfg.HTTPTimeout,
		CacheTTL: cfg.FeedCacheTTL,
		RPS:      cfg.FeedRPS,
	}, log)
	confirmer := confirm.NewClient(cfg.ConfirmURL, cfg.HTTPTimeout, log)

	bus := events.NewBus()
	eng := engine.New(client, client, confirmer, tombs, engine.Config{
		RefreshInterval: cfg.RefreshInterval,
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
	}, polljob.RealClock(), bus, log)

	router := httpapi.NewRouter(eng, bus, log)
	return &App{cfg: cfg, log: log, eng: eng, bus: bus, handler: router.Handler()}, nil
}

// Run hydrates tombstones, starts the refresh loop, and serves HTTP until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.eng.Init(ctx); err != nil {
		return eris.Wrap(err, "app: init")
	}
	go a.eng.Run(ctx)

	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.handler}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	a.log.Info("http listening", zap.String("port", a.cfg.HTTPPort))
	err := srv.ListenAndServe()
	a.eng.Teardown()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *App) Engine() *engine.Engine { return a.eng }
func (a *App) Logger() *zap.Logger    { return a.log }
func (a *App) Handler() http.Handler  { return a.handler }
