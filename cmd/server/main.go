package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"go-signal/internal/api"
	"go-signal/internal/call"
	"go-signal/internal/chat"
	"go-signal/internal/config"
	"go-signal/internal/db"
	"go-signal/internal/group"
	"go-signal/internal/logger"
	myMiddleware "go-signal/internal/middleware"
	"go-signal/internal/push"
	"go-signal/internal/registry"
	"go-signal/internal/router"
	sig "go-signal/internal/signal"
	"go-signal/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	log := logger.Init(cfg.LoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Chat archive: Postgres when configured, memory otherwise
	var history chat.Store = chat.NewMemoryStore(cfg.Chat.HistoryLimit)
	if cfg.Postgres.DSN != "" {
		database, err := db.NewDatabase(ctx, cfg.Postgres.DSN)
		if err != nil {
			fatal(log, "❌ Failed to connect to DB", err)
		}
		defer database.Close()
		log.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			fatal(log, "❌ Migration failed", err)
		}
		log.Info("✅ Database Schema Initialized")
		history = chat.NewPostgresStore(database.Conn, cfg.Chat.HistoryLimit)
	}

	// 3. Push targets: Redis when configured, memory otherwise
	var tokens push.TokenStore = push.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			fatal(log, "❌ Failed to connect to Redis", err)
		}
		defer redisClient.Close()
		log.Info("✅ Connected to Redis")
		tokens = push.NewRedisStore(redisClient)
	}

	dispatcher, vapidPublic, err := newDispatcher(cfg, tokens, log)
	if err != nil {
		fatal(log, "❌ Push setup failed", err)
	}

	// 4. Signaling core
	hub := ws.NewHub(nil, ws.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger.Component("ws"),
	})
	reg := registry.New(nil)
	groups := group.NewStore()
	rt := router.New(hub, reg, dispatcher, logger.Component("router"))
	engine := call.New(rt, reg, groups, call.Config{
		RingTimeout: cfg.RingTimeout(),
		Logger:      logger.Component("call"),
	})
	chatSvc := chat.NewService(history, rt, reg, groups, logger.Component("chat"))

	srv := sig.New(sig.Deps{
		Registry: reg,
		Groups:   groups,
		Engine:   engine,
		Chat:     chatSvc,
		Router:   rt,
		Tokens:   tokens,
		Logger:   logger.Component("signal"),
	})
	hub.SetHandler(srv)

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins(cfg.HTTP.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.APIKey(cfg.HTTP.APIKey))
		r.Get("/ws", hub.ServeWs)
		api.NewHandler(reg, groups, tokens, vapidPublic, logger.Component("api")).Routes(r)
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", slog.String("addr", cfg.HTTP.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	// 6. Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "❌ Server failed", err)
		}
	}

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", slog.Any("err", err))
	}
	// hijacked websocket connections are not covered by Shutdown
	hub.Close()
	rt.Wait()
	log.Info("👋 Server stopped")
}

// newDispatcher wires whichever push services are configured. Without any,
// pushes are dropped.
func newDispatcher(cfg *config.Config, tokens push.TokenStore, log *slog.Logger) (push.Sender, string, error) {
	opts := []push.Option{push.WithLogger(logger.Component("push"))}
	enabled := false

	if cfg.Push.FCMCredentials != "" {
		account, err := push.LoadServiceAccount(cfg.Push.FCMCredentials)
		if err != nil {
			return nil, "", err
		}
		fcm, err := push.NewFCMClient(push.FCMConfig{Account: account})
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, push.WithFCM(fcm))
		enabled = true
		log.Info("✅ FCM enabled", slog.String("project", account.ProjectID))
	}

	var vapidPublic string
	if cfg.Push.VAPIDPrivateKey != "" {
		web, err := push.NewWebPushClient(push.WebPushConfig{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
			Subject:    cfg.Push.VAPIDSubject,
			TTL:        int(cfg.PushTTL() / time.Second),
		})
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, push.WithWebPush(web))
		vapidPublic = web.PublicKey()
		enabled = true
		log.Info("✅ Web Push enabled")
	}

	if !enabled {
		log.Warn("⚠️ No push service configured, offline users will not be notified")
		return push.Nop{}, "", nil
	}
	return push.NewDispatcher(tokens, opts...), vapidPublic, nil
}

func origins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	return allowed
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("err", err))
	os.Exit(1)
}
