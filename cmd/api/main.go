package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/connectme/enrollment/internal/auth"
	"github.com/connectme/enrollment/internal/config"
	"github.com/connectme/enrollment/internal/db"
	httphandler "github.com/connectme/enrollment/internal/http"
	"github.com/connectme/enrollment/internal/http/handlers"
	"github.com/connectme/enrollment/internal/middleware"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
	"github.com/connectme/enrollment/internal/sms"
	"github.com/connectme/enrollment/internal/verification"
)

func main() {
	// env vars already set take precedence over .env
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userRepo, closeDB, err := openUserRepo(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open user repository: %v", err)
	}
	defer closeDB()

	store, closeStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer closeStore()

	dispatcher := sms.NewDispatcher(newSender(cfg), cfg.SMS.Workers, sms.WithTemplate(cfg.SMS.Template))
	defer dispatcher.Close()

	deps := process.Deps{
		Policy:     cfg.Policy(),
		Clock:      verification.SystemClock,
		Generate:   cfg.CodeGenerator(),
		Dispatcher: dispatcher,
	}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	hasher := auth.NewBcryptHasher()
	registration := auth.NewRegistrationService(store, deps, userRepo, hasher, jwtService)
	login := auth.NewLoginService(store, deps, userRepo, hasher, jwtService)

	devCode := ""
	if cfg.DevMode {
		log.Println("OTP_DEV_MODE is on: fixed verification code, echoed in responses")
		devCode = config.DevCode
	}

	verifyLimiter := middleware.NewRateLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	defer verifyLimiter.Stop()

	router := httphandler.NewRouter(httphandler.RouterConfig{
		Registration:  handlers.NewRegistrationHandler(registration, devCode),
		Login:         handlers.NewLoginHandler(login, devCode),
		JWT:           jwtService,
		Users:         userRepo,
		VerifyLimiter: verifyLimiter,
		SessionTTL:    cfg.SessionTTL,
		CookieSecure:  cfg.CookieSecure,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// openUserRepo uses Postgres when DATABASE_URL is set, memory otherwise
func openUserRepo(ctx context.Context, cfg *config.Config) (repo.UserRepo, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set; users are kept in memory")
		return repo.NewMemUserRepo(), func() {}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return repo.NewUserRepo(database), closer(database), nil
}

func closer(database *sql.DB) func() {
	return func() {
		if err := database.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}
}

// openSessionStore uses Redis when REDIS_URL is set, memory otherwise
func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		log.Println("REDIS_URL not set; sessions are kept in memory")
		store := session.NewMemoryStore(cfg.SessionTTL)
		sweepCtx, cancel := context.WithCancel(ctx)
		go store.RunSweeper(sweepCtx, time.Minute)
		return store, cancel, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Printf("Redis session store at %s", opts.Addr)

	store := session.NewRedisStore(client, cfg.RedisPrefix, cfg.SessionTTL)
	return store, func() { _ = client.Close() }, nil
}

func newSender(cfg *config.Config) sms.Sender {
	if cfg.SMS.DryRun || cfg.SMS.MobizonAPIKey == "" {
		log.Println("SMS delivery is in dry-run mode")
		return sms.LogSender{}
	}
	return sms.NewMobizonSender(cfg.SMS.MobizonAPIKey, cfg.SMS.Sender)
}
