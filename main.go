// main.go - quizroom server
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quizroom/config"
	"quizroom/database"
	"quizroom/handlers"
	"quizroom/logger"
	"quizroom/messaging"
	"quizroom/middleware"
	"quizroom/realtime"
	"quizroom/services"
	"quizroom/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger config is not loaded yet
		logger.New("info", true).Fatal().Err(err).Msg("❌ invalid configuration")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("❌ server stopped")
	}
	log.Info().Msg("👋 shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	db, err := database.Open(cfg.DB, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		return err
	}

	// Change feed: Redis fans events out across instances, the hub keeps them in process
	var channel realtime.Channel
	if cfg.Redis.Enabled {
		client, err := realtime.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		channel = realtime.NewRedisChannel(client, log)
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("✅ redis change feed connected")
	} else {
		hub := realtime.NewHub(log)
		defer hub.Close()
		channel = hub
		log.Info().Msg("📡 using in-process change feed")
	}

	var results services.ResultsPublisher
	if cfg.RabbitMQ.Enabled {
		pub, err := messaging.NewResultsPublisher(cfg.RabbitMQ, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		results = pub
	}

	gateway := store.Notify(store.NewGormStore(db), channel, log)
	coordinator := services.NewCoordinator(
		gateway,
		channel,
		services.NewArithmeticGenerator(uint64(time.Now().UnixNano())),
		results,
		cfg.Game,
		log,
	)
	sessions := services.NewSessionManager(coordinator)
	defer sessions.CloseAll()

	janitor := services.NewCleanupService(gateway, cfg.Game, log)
	janitor.Start()
	defer janitor.Stop()

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	app := newApp(cfg, limiter)
	h := handlers.New(sessions, cfg.Auth, log)
	h.Register(app)
	if !cfg.IsProduction() {
		h.RegisterDebug(app)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("🚀 HTTP server starting")
		return app.Listen(":" + cfg.Server.Port)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("🛑 shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newApp(cfg *config.Config, limiter *middleware.RateLimiter) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler(cfg.IsProduction()),
		BodyLimit:    1024 * 1024,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
	}))
	app.Use(limiter.Fiber())
	return app
}

func customErrorHandler(production bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
			message = e.Message
		}

		// Don't expose internal errors in production
		if production && code == fiber.StatusInternalServerError {
			message = "An error occurred. Please try again later."
		}

		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   message,
		})
	}
}
