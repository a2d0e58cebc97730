package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/db"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/expiry"
	"github.com/propmarket/promotions/internal/gateway"
	apphttp "github.com/propmarket/promotions/internal/http"
	"github.com/propmarket/promotions/internal/http/api/admin"
	"github.com/propmarket/promotions/internal/http/api/front"
	gatewayapi "github.com/propmarket/promotions/internal/http/api/gateway"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/lock"
	"github.com/propmarket/promotions/internal/logging"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/propmarket/promotions/internal/purchase"
	"github.com/propmarket/promotions/internal/reconcile"
	"github.com/propmarket/promotions/internal/scheduler"
	"github.com/propmarket/promotions/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const pricingCacheTTL = time.Minute

// Services are the wired domain components shared by the HTTP layer and the scheduler.
type Services struct {
	Config       config.Config
	DB           *gorm.DB
	Settings     *settings.Store
	Catalog      *pricing.Catalog
	Entitlements *entitlement.Store
	Ledger       *ledger.Ledger
	Purchases    *purchase.Orchestrator
	Completer    *reconcile.Completer
	Webhook      *reconcile.Webhook
	TopUps       *reconcile.TopUps
	Verifier     *reconcile.Verifier
	Sweeper      *expiry.Sweeper
	Scheduler    *scheduler.Scheduler
}

// Migrate opens the database, runs migrations and seeds the price list.
func Migrate(ctx context.Context, appCfg config.AppConfig) error {
	cfg, err := config.Load(appCfg)
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSeed := db.SeedPricing(ctx, conn); errSeed != nil {
		return errSeed
	}
	log.Info("database migrated")
	return nil
}

// RunServer boots the HTTP API and the background scheduler and blocks until ctx ends.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	cfg, err := config.Load(appCfg)
	if err != nil {
		return err
	}
	closer, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return errLog
	}
	defer func() { _ = closer.Close() }()

	conn, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSeed := db.SeedPricing(ctx, conn); errSeed != nil {
		return errSeed
	}

	var locker scheduler.Locker
	if cfg.Redis.Enabled() {
		client, errRedis := lock.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if errRedis != nil {
			return errRedis
		}
		defer func() { _ = client.Close() }()
		locker = lock.NewRedis(client, "")
	}

	svc, err := NewServices(ctx, cfg, conn, locker)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           NewRouter(ctx, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		svc.Scheduler.Start(ctx)
	} else {
		log.Info("scheduler disabled by config")
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Addr)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
		close(serveErr)
	}()

	select {
	case errServe := <-serveErr:
		svc.Scheduler.Stop()
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	errShutdown := srv.Shutdown(shutdownCtx)
	svc.Scheduler.Stop()
	svc.Scheduler.Wait()
	if errShutdown != nil {
		return errors.Wrap(errShutdown, "http shutdown")
	}
	return nil
}

// NewServices wires every component against conn. locker may be nil.
func NewServices(ctx context.Context, cfg config.Config, conn *gorm.DB, locker scheduler.Locker) (*Services, error) {
	store := settings.NewStore()
	if errRefresh := store.Refresh(ctx, conn); errRefresh != nil {
		return nil, errRefresh
	}

	schedLoc, errLoc := loadLocation(cfg.Scheduler.TimeZone)
	if errLoc != nil {
		return nil, errLoc
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		MerchantID:  cfg.Gateway.MerchantID,
		SecretKey:   cfg.Gateway.SecretKey,
		Currency:    cfg.Gateway.Currency,
		CallbackURL: cfg.Gateway.CallbackURL,
		ResponseURL: cfg.Gateway.ResponseURL,
		Timeout:     cfg.Gateway.Timeout,
		RetryMax:    cfg.Gateway.RetryMax,
	})

	catalog := pricing.NewCatalog(conn, pricingCacheTTL)
	entitlements := entitlement.NewStore(conn)
	completer := reconcile.NewCompleter(conn)

	svc := &Services{
		Config:       cfg,
		DB:           conn,
		Settings:     store,
		Catalog:      catalog,
		Entitlements: entitlements,
		Ledger:       ledger.New(conn),
		Purchases:    purchase.New(conn, catalog),
		Completer:    completer,
		Webhook:      reconcile.NewWebhook(completer, gw, cfg.Gateway.SecretKey, cfg.Gateway.SignatureMode, store),
		Verifier:     reconcile.NewVerifier(conn, completer, gw, cfg.Reconcile, store),
		Sweeper:      expiry.NewSweeper(entitlements, catalog, cfg.Scheduler.RenewalWindow, schedLoc),
	}
	if strings.TrimSpace(cfg.Gateway.MerchantID) != "" {
		svc.TopUps = reconcile.NewTopUps(conn, gw, completer, cfg.Gateway.Currency)
	} else {
		log.Warn("gateway merchant-id not set, top-ups disabled")
	}

	sched, err := scheduler.New(scheduler.SystemClock, svc.tasks(), scheduler.Options{
		Location: schedLoc,
		Locker:   locker,
		LockTTL:  cfg.Scheduler.LockTTL,
	})
	if err != nil {
		return nil, err
	}
	svc.Scheduler = sched
	return svc, nil
}

// tasks lists the background jobs. A task with an empty schedule is not registered.
func (s *Services) tasks() []scheduler.Task {
	sc := s.Config.Scheduler
	candidates := []scheduler.Task{
		{Name: scheduler.TaskRenewal, Schedule: sc.Renewal, Run: func(ctx context.Context) (any, error) {
			return s.Sweeper.Renew(ctx)
		}},
		{Name: scheduler.TaskExpiration, Schedule: sc.Expiration, Run: func(ctx context.Context) (any, error) {
			return s.Sweeper.Expire(ctx)
		}},
		{Name: scheduler.TaskExpirationSafe, Schedule: sc.SafetySweep, Run: func(ctx context.Context) (any, error) {
			return s.Sweeper.Expire(ctx)
		}},
		{Name: scheduler.TaskReconcile, Schedule: sc.Reconcile, Run: func(ctx context.Context) (any, error) {
			return s.Verifier.Run(ctx)
		}},
	}
	tasks := make([]scheduler.Task, 0, len(candidates))
	for _, task := range candidates {
		if strings.TrimSpace(task.Schedule) == "" {
			log.Infof("scheduler: %s has no schedule, not registered", task.Name)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// NewRouter builds the gin engine with every route group, /healthz and /metrics.
func NewRouter(ctx context.Context, svc *Services) *gin.Engine {
	if mode := strings.TrimSpace(svc.Config.Server.Mode); mode != "" {
		gin.SetMode(mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), apphttp.RequestIDMiddleware(), apphttp.AccessLogMiddleware("/healthz", "/metrics"))

	engine.GET("/healthz", healthHandler(svc.DB))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	front.RegisterFrontRoutes(engine, front.Deps{
		DB:           svc.DB,
		JWT:          svc.Config.JWT,
		Catalog:      svc.Catalog,
		Purchases:    svc.Purchases,
		Ledger:       svc.Ledger,
		TopUps:       svc.TopUps,
		Entitlements: svc.Entitlements,
	})
	gatewayapi.RegisterGatewayRoutes(engine, svc.Webhook)
	admin.RegisterAdminRoutes(engine, admin.Deps{
		DB:           svc.DB,
		JWT:          svc.Config.JWT,
		Scheduler:    svc.Scheduler,
		Ledger:       svc.Ledger,
		Catalog:      svc.Catalog,
		Entitlements: svc.Entitlements,
		Settings:     svc.Settings,
		Context:      ctx,
	})
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "route not found"}})
	})
	return engine
}

func healthHandler(conn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := conn.DB()
		if err == nil {
			pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err = sqlDB.PingContext(pingCtx)
			cancel()
		}
		if err != nil {
			log.WithError(err).Warn("healthz: database ping failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	return db.Open(cfg.DSN, db.Options{
		TimeZone:        cfg.TimeZone,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		SlowThreshold:   cfg.SlowThreshold,
	})
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler timezone %q", name)
	}
	return loc, nil
}
