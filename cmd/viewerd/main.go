package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/homeglance/liveview/internal/capture"
	"github.com/homeglance/liveview/internal/config"
	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/handler"
	"github.com/homeglance/liveview/internal/presence"
	"github.com/homeglance/liveview/internal/repository"
	"github.com/homeglance/liveview/internal/signal"
	"github.com/homeglance/liveview/internal/viewer"
	"github.com/homeglance/liveview/pkg/database"
	pkglog "github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load("viewerd")
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "viewerd",
	})
	logger := pkglog.L()

	// Connect to database using GORM
	dbConfig := &database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		FilePath:        cfg.Database.FilePath,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	db, err := database.New(dbConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Auto-migrate
	if err := database.AutoMigrate(db, &domain.SessionModel{}, &domain.CommandModel{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Msg("database migration completed")

	ps, err := pubsub.New(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to pubsub")
	}
	defer ps.Close()

	redisClient, err := pubsub.NewRedisClient(cfg.PubSub.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis for presence")
	}
	defer redisClient.Close()
	tracker := presence.NewTracker(redisClient, cfg.Presence)

	sessions := repository.NewGormSessionRepository(db, ps)
	commands := repository.NewGormCommandRepository(db, ps)
	bus := signal.NewBus(ps)

	negotiate := capture.NewNegotiatorFactory(cfg.Viewer.Media)
	controller := viewer.NewController(cfg.Viewer.ID, sessions, commands, bus, tracker, negotiate, cfg.Viewer.Controller)

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	httpHandler := handler.NewHandler(controller)
	httpHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("viewerd starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		// A viewer going away mid-session behaves like a page leave.
		controller.NotifyLeave()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("viewerd exited")
	}
	logger.Info().Msg("viewerd stopped")
}
