package server

import (
	"io"
	"log/slog"

	"backend-lari2gether/internal/auth"
	"backend-lari2gether/internal/config"
	"backend-lari2gether/internal/localstore"
	"backend-lari2gether/internal/remote"
	"backend-lari2gether/internal/stream"
	"backend-lari2gether/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Local  localstore.Store
	Remote *remote.Store
	Stream *stream.Hub
	Runs   *tracking.Service
	Logger *slog.Logger
}

// NewServer wires the run host. db and redisClient may be nil; without db runs
// stay local. A db that is down at boot is kept: the runs schema is applied on
// first use and pending runs converge on the next reconcile.
func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, local localstore.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     db,
		Redis:  redisClient,
		Local:  local,
		Stream: stream.NewHub(redisClient, log),
		Logger: log,
	}

	deps := tracking.Deps{
		Local:       local,
		Hub:         s.Stream,
		JWTSecret:   cfg.JWTSecret,
		Tracker:     tracking.TrackerConfig(cfg),
		SyncTimeout: cfg.SyncTimeout(),
		Logger:      log,
	}
	if db != nil {
		s.Remote = remote.NewStore(db, remote.WithSchemaOnFirstUse())
		deps.Remote = s.Remote
	}
	s.Runs = tracking.NewService(deps)

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	tracking.RegisterRoutes(s.App.Group("/runs"), s.Runs, auth.JWTMiddleware(s.Cfg.JWTSecret))
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// Close discards live sessions and releases the stream hub and local store.
func (s *Server) Close() {
	s.Runs.Close()
	s.Stream.Close()
	if c, ok := s.Local.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.Logger.Warn("close local store", "error", err)
		}
	}
}
