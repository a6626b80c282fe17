package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vetai/gateway/config"
	"github.com/vetai/gateway/internal/admin"
	"github.com/vetai/gateway/internal/auth"
	"github.com/vetai/gateway/internal/catalog"
	"github.com/vetai/gateway/internal/gate"
	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/provider/openrouter"
	"github.com/vetai/gateway/internal/proxy"
	"github.com/vetai/gateway/internal/seeder"
	"github.com/vetai/gateway/internal/store"
	"github.com/vetai/gateway/internal/telemetry"
	"github.com/vetai/gateway/internal/tenant"
	"github.com/vetai/gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("vetai-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Pick storage: Postgres when a DSN is configured, otherwise the
	// JSON snapshot file.
	var tenantStore tenant.Store
	var ledgerStore ledger.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		tenantStore = tenant.NewPostgresStore(pool)
		ledgerStore = ledger.NewPostgresStore(pool)
	} else {
		fs, err := store.Open(cfg.DataFile)
		if err != nil {
			log.Fatalf("failed to open snapshot store: %v", err)
		}
		log.Printf("snapshot store at %s", cfg.DataFile)
		tenantStore = fs
		ledgerStore = fs
	}

	// 4. Connect Redis (optional: enables auth caching and rate limiting)
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	// 5. Init auth middlewares
	tenantAuth := auth.NewTenantMiddleware(tenantStore, rdb)
	adminAuth := auth.NewAdminMiddleware(cfg.AdminPassword)

	// 6. Init upstream provider
	upstream := openrouter.New(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL,
		time.Duration(cfg.UpstreamTimeoutS)*time.Second)

	// 7. Init handlers
	tracer := otel.GetTracerProvider().Tracer("vetai-gateway")
	proxyHandler := proxy.NewHandler(ledgerStore, gate.New(ledgerStore), upstream, limiter, tracer)
	adminHandler := admin.NewHandler(tenantStore, ledgerStore, rdb)

	// 8. Seed demo clinic if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoClinic(ctx, tenantStore)
	}

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"vetai-gateway"}`))
	})
	r.Get("/api/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"models": catalog.All()})
	})

	// Clinic routes
	r.Group(func(r chi.Router) {
		r.Use(tenantAuth)
		r.Get("/api/clinic/status", proxyHandler.HandleStatus)
		r.Post("/api/generate", proxyHandler.HandleGenerate)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/api/admin/clinics", adminHandler.HandleListClinics)
		r.Post("/api/admin/clinics", adminHandler.HandleCreateClinic)
		r.Put("/api/admin/clinics/{id}", adminHandler.HandleUpdateClinic)
		r.Post("/api/admin/clinics/{id}/regenerate-token", adminHandler.HandleRotateCredential)
		r.Get("/api/admin/clinics/{id}/usage", adminHandler.HandleClinicUsage)
		r.Get("/api/admin/dashboard", adminHandler.HandleDashboard)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("VetAI gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
