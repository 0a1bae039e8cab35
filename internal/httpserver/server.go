package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/auth"
	"github.com/PratikDhanave/fieldsync-service/internal/config"
	"github.com/PratikDhanave/fieldsync-service/internal/graph"
	"github.com/PratikDhanave/fieldsync-service/internal/handlers"
	"github.com/PratikDhanave/fieldsync-service/internal/logging"
	"github.com/PratikDhanave/fieldsync-service/internal/payload"
	"github.com/PratikDhanave/fieldsync-service/internal/reconcile"
	"github.com/PratikDhanave/fieldsync-service/internal/service"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// Deps are the components the router serves.
type Deps struct {
	Store      store.Store
	Service    *service.Service
	Graph      *graph.Maintainer
	Reconciler *reconcile.Reconciler
}

// NewDeps wires the service components on top of a store.
func NewDeps(cfg config.Config, st store.Store, log *zap.Logger) Deps {
	g := graph.NewMaintainer(st, log)
	svc := service.New(st, g, log)
	return Deps{
		Store:      st,
		Service:    svc,
		Graph:      g,
		Reconciler: reconcile.New(st, svc, cfg.SyncConcurrency, log),
	}
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready
// Authenticated: /sync/batch, /stops, /people, /vehicles, /relationships
func NewRouter(cfg config.Config, d Deps, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	binding.Validator = payload.GinValidator{}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Middleware(log))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Auth group enforces unit context via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))
	authGroup.Use(timeout(cfg.RequestTimeout))

	handlers.RegisterSyncRoutes(authGroup, d.Reconciler)
	handlers.RegisterStopRoutes(authGroup, d.Service, d.Store)
	handlers.RegisterPersonRoutes(authGroup, d.Service, d.Store)
	handlers.RegisterVehicleRoutes(authGroup, d.Service, d.Store)
	handlers.RegisterRelationshipRoutes(authGroup, d.Graph, d.Store)

	return r
}

// timeout bounds the request context; store calls give up once it expires.
func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Serve runs handler on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
