package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/asrtask/api/internal/infra/archive"
	"github.com/you-humble/asrtask/api/internal/infra/health"
	"github.com/you-humble/asrtask/api/internal/poller"
	"github.com/you-humble/asrtask/api/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server

	health   *health.Server
	poller   *poller.Poller
	archiver *archive.Archiver
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	a := &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
		health:   di.Health(),
		archiver: di.Archiver(ctx),
	}
	a.poller = di.Poller(ctx)
	return a
}

func (a *app) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	if a.health != nil {
		go func() {
			if e := a.health.ListenAndServe(a.di.Config().GRPCAddr); e != nil {
				slog.Error("health server error", slog.String("error", e.Error()))
				errCh <- e
			}
		}()
	}

	if a.archiver != nil {
		// uploads in flight finish during shutdown
		a.archiver.Start(context.WithoutCancel(ctx))
	}
	if a.poller != nil {
		a.poller.Start(ctx)
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops components in reverse start order.
func (a *app) shutdown() error {
	cfg := a.di.Config()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.poller != nil {
		if err := a.poller.Stop(cfg.Poller.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if a.archiver != nil {
		if err := a.archiver.Stop(shutdownCtx); err != nil {
			slog.Error("archiver stop error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.health != nil {
		if err := a.health.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	if nc := a.di.natsConn; nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Error("nats drain error", slog.String("error", err.Error()))
		}
	}
	if rdb := a.di.redis; rdb != nil {
		if err := rdb.Close(); err != nil {
			slog.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if db := a.di.sqlite; db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("server gracefully stopped")
	return nil
}
