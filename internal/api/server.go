package api

import (
	"context"
	"net/http"
	"time"

	"storefront-payments/internal/logger"
	"storefront-payments/internal/repo"
	"storefront-payments/internal/service"
	"storefront-payments/internal/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Reconciler runs a single reconciliation cycle on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (worker.CycleReport, error)
}

type Options struct {
	// IsAdmin decides admin access. Nil denies everyone.
	IsAdmin        func(userID int64) bool
	AllowedOrigins []string
	CheckoutRate   int
	IntentTTL      time.Duration
}

type Server struct {
	registry   service.RegistryService
	store      repo.Store
	reconciler Reconciler
	health     func() map[string]string
	limiter    *UserLimiter
	logger     *zap.Logger
	opts       Options
}

func NewServer(
	registry service.RegistryService,
	store repo.Store,
	reconciler Reconciler,
	health func() map[string]string,
	logger *zap.Logger,
	opts Options,
) *Server {
	return &Server{
		registry:   registry,
		store:      store,
		reconciler: reconciler,
		health:     health,
		limiter:    NewUserLimiter(opts.CheckoutRate, 30*time.Minute),
		logger:     logger,
		opts:       opts,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestLogger(s.logger))
	corsConfig := cors.Config{
		AllowOrigins:     s.opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Admin-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/v1")
	v1.POST("/checkout", s.handleCheckout)
	v1.GET("/intents/:id", s.handleGetIntent)
	v1.POST("/intents/:id/cancel", s.handleBuyerCancel)
	v1.GET("/orders/:id", s.handleGetOrder)
	v1.GET("/users/:id/orders", s.handleListUserOrders)

	admin := r.Group("/admin", AdminOnly(s.opts.IsAdmin))
	admin.GET("/review", s.handleListReview)
	admin.GET("/orphans", s.handleListOrphans)
	admin.POST("/intents/:id/cancel", s.handleCancel)
	admin.POST("/intents/:id/resolve", s.handleResolve)
	admin.POST("/reconcile", s.handleReconcile)

	return r
}

// SweepLimiters forgets idle buyers until ctx is done.
func (s *Server) SweepLimiters(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
