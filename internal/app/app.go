package app

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudvia/keystone-sync/internal/config"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/core/service"
	"github.com/cloudvia/keystone-sync/internal/metrics"
)

// Application bundles the reconciliation engine with everything the command
// layer needs to run or probe it.
type Application struct {
	Engine  *service.Engine
	Gateway ports.IdentityGateway
	Source  ports.SourcePlatform
	Logger  ports.Logger
	Config  *config.Config
}

// Run starts the engine and, when configured, the metrics endpoint, and
// blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	a.Logger.Infof(ctx, "Starting reconciliation (interval: %s, concurrency: %d, events: %t)",
		a.Config.Sync.Interval, a.Config.Sync.MaxConcurrent, a.Config.Sync.EventStream)

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.Config.Settings.MetricsAddr; addr != "" {
		metrics.Register()
		srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
		g.Go(func() error {
			a.Logger.Infof(gctx, "Metrics endpoint listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return a.Engine.Run(gctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		a.Logger.Errorf(ctx, err, "Reconciliation stopped unexpectedly")
		return err
	}
	a.Logger.Infof(context.WithoutCancel(ctx), "Reconciliation stopped")
	return nil
}
