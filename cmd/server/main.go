package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mail-tracking/internal/bounce"
	"github.com/ignite/mail-tracking/internal/config"
	"github.com/ignite/mail-tracking/internal/feed"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/notify"
	"github.com/ignite/mail-tracking/internal/outbound"
	"github.com/ignite/mail-tracking/internal/pkg/distlock"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
	"github.com/ignite/mail-tracking/internal/repository/memory"
	"github.com/ignite/mail-tracking/internal/repository/postgres"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// configPath returns CONFIG_PATH, or config/config.yaml when that file
// exists, or "" to run on defaults and environment overrides.
func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}
	return ""
}

func openDatabase(url string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	if !strings.Contains(url, "connect_timeout") {
		url += sep + "connect_timeout=5"
	}
	log.Printf("DB URL host portion: ...@%s/...", extractHost(url))

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func connectRedis(url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured (REDIS_URL not set), using in-process replay cache")
		return nil
	}
	var client *redis.Client
	opts, err := redis.ParseURL(url)
	if err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed (%s): %v, falling back to in-process replay cache", url, err)
		client.Close()
		return nil
	}
	log.Printf("Redis connected: %s (shared replay cache and record locks enabled)", url)
	return client
}

func main() {
	log.Println("Mail tracking server starting")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	var (
		store tracking.Store
		db    *sql.DB
	)
	if cfg.Database.URL != "" {
		log.Println("Connecting to PostgreSQL...")
		db, err = openDatabase(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		store = postgres.NewStore(db)
		log.Println("PostgreSQL store ready")
	} else {
		log.Println("DATABASE_URL not set, using in-memory store (records are lost on restart)")
		store = memory.New()
	}

	redisClient := connectRedis(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Replay entries cover the freshness window on both sides of now.
	maxAge := cfg.Tracking.SignatureMaxAge()
	var replay tracking.ReplayCache
	if redisClient != nil {
		replay = tracking.NewRedisReplayCache(redisClient, 2*maxAge)
	} else {
		replay = tracking.NewMemoryReplayCache(cfg.Tracking.ReplayCacheSize, 2*maxAge)
	}
	if cfg.Mailgun.WebhookSigningKey == "" {
		logger.Warn("No webhook signing key configured, provider webhooks are accepted unsigned")
	}
	verifier := tracking.NewVerifier(cfg.Mailgun.WebhookSigningKey, replay, tracking.WithMaxAge(maxAge))

	renderer, err := notify.NewRenderer(cfg.Tracking.BounceNoteTemplate)
	if err != nil {
		log.Fatalf("Failed to parse bounce note template: %v", err)
	}

	mgClient := mailgun.NewClient(cfg.Mailgun)
	apiReady := cfg.Mailgun.Require()
	if apiReady != nil {
		log.Printf("Mailgun API not configured (%v): manual checks and webhook management disabled", apiReady)
	}

	opts := []tracking.Option{
		tracking.WithCountries(memory.NewCountries()),
		tracking.WithEventSource(mgClient, apiReady),
		tracking.WithNotes(renderer),
	}
	if cfg.Feed.AMQPURL != "" {
		conn, err := feed.Dial(cfg.Feed.AMQPURL)
		if err != nil {
			log.Printf("Warning: event feed disabled: %v", err)
		} else {
			defer conn.Close()
			publisher, err := feed.NewPublisher(conn, cfg.Feed.Queue)
			if err != nil {
				log.Printf("Warning: event feed disabled: %v", err)
			} else {
				defer publisher.Close()
				opts = append(opts, tracking.WithPublisher(publisher))
				log.Printf("Event feed publishing to queue %s", cfg.Feed.Queue)
			}
		}
	}
	if locks := distlock.NewFactory(redisClient, 30*time.Second); locks != nil {
		opts = append(opts, tracking.WithLocks(locks))
	}
	svc := tracking.NewService(store, verifier, tracking.Config{
		Instance:    cfg.Tracking.Instance,
		OpenWindow:  cfg.Tracking.OpenWindow(),
		ClickWindow: cfg.Tracking.ClickWindow(),
		LockTimeout: cfg.Tracking.LockTimeout(),
	}, opts...)

	webhooks := tracking.NewWebhookManager(mgClient, apiReady, cfg.Mailgun.WebhooksDomain, cfg.Tracking.Instance)
	bounces := bounce.NewService(mgClient, store, renderer, bounce.Config{
		APIReady:        apiReady,
		ValidationReady: cfg.Mailgun.RequireValidationKey(),
	})

	injector := outbound.NewInjector(cfg.Tracking.BaseURL, cfg.Tracking.Instance, cfg.Tracking.PixelDisabled)
	sender := outbound.NewSender(svc, injector, outbound.NewSMTPTransport(cfg.SMTP.Addr, cfg.SMTP.Hostname), cfg.SMTP.Hostname)
	log.Printf("Outbound mail relay: %s (pixel disabled: %v)", cfg.SMTP.Addr, cfg.Tracking.PixelDisabled)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Provider-facing endpoints.
	r.Mount("/", tracking.NewHandler(svc).Routes())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Mount("/partners", bounce.NewHandler(bounces).Routes())
		r.Mount("/outbound", outbound.NewHandler(sender).Routes())
		r.Mount("/", tracking.NewAPIHandler(svc, webhooks, tracking.AdminScope).Routes())
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s (instance %q)", addr, cfg.Tracking.Instance)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
