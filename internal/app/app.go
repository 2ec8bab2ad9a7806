package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/voxspace/core/internal/config"
	"github.com/voxspace/core/internal/middleware"
	"github.com/voxspace/core/internal/modules/auth"
	"github.com/voxspace/core/internal/modules/ratelimit"
	"github.com/voxspace/core/internal/modules/replay"
	"github.com/voxspace/core/internal/modules/room"
	"github.com/voxspace/core/internal/modules/signaling"
	"github.com/voxspace/core/internal/modules/transcript"
	pkgcron "github.com/voxspace/core/internal/pkg/cron"
	"github.com/voxspace/core/internal/pkg/jwt"
	"github.com/voxspace/core/internal/pkg/metrics"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
	"github.com/voxspace/core/internal/pkg/workqueue"
)

// App holds all application dependencies. Construction is explicit: the
// hosting process builds one App on startup and calls Shutdown on exit; no
// state lives in package globals.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	rc     *pkgredis.Client
	hub    *signaling.Hub
	sink   *transcript.Service
	pool   *workqueue.Pool
	sched  *pkgcron.Scheduler
	logger *zap.Logger
	cancel context.CancelFunc
}

// New initializes the application: config → bus → store → services → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	jwt.SetSecret(cfg.JWTSecret)

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sink, err := transcript.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo: %w", err)
	}

	sc := cfg.Signaling
	m := metrics.New(prometheus.DefaultRegisterer)

	rooms := room.NewService(rc, sc.PresenceTTL, sc.MaxParticipants, logger)
	replayMgr := replay.NewManager(sc.ReplayCapacity, sc.ReconnectGrace, sc.ReplayIdleTimeout, logger)
	limiter := ratelimit.NewLimiter(rc, sc.RateLimits, logger)

	pool := workqueue.New(cfg.WorkQueue.Workers, cfg.WorkQueue.Capacity, logger)
	pool.Start(ctx)

	// Room teardown: once membership hits zero the replay buffer survives
	// the reconnect grace window, then goes; the session record closes.
	rooms.OnEmpty(func(roomID string) {
		replayMgr.ScheduleCleanup(roomID)
		pool.Submit(func(ctx context.Context) { sink.CloseSession(ctx, roomID) })
	})

	hub := signaling.NewHub(sc, rc, rooms, replayMgr, limiter, pool, sink,
		auth.JWTVerifier{}, auth.ClaimsAuthorizer{}, m, logger)

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(corsConfig(cfg)))

	sched := pkgcron.New(logger)
	registerCronJobs(sched, rooms, replayMgr, sc)
	sched.Start(ctx)

	app := &App{
		cfg:    cfg,
		router: router,
		rc:     rc,
		hub:    hub,
		sink:   sink,
		pool:   pool,
		sched:  sched,
		logger: logger,
		cancel: cancel,
	}
	app.registerRoutes(rooms)

	return app, nil
}

func corsConfig(cfg *config.AppConfig) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return originAllowed(patterns, origin)
		}
	} else {
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
	}
	return corsConfig
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown tears down connections and background goroutines in order:
// connections first so their teardown can still reach the bus, then the
// workers, then the clients.
func (a *App) Shutdown() {
	a.hub.Close()
	a.cancel()
	a.pool.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink.Close(ctx); err != nil {
		a.logger.Warn("mongo disconnect failed", zap.Error(err))
	}
	if err := a.rc.Close(); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
}
