package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	_ "github.com/bizmatters/loan-assistant/docs" // swagger docs
	"github.com/bizmatters/loan-assistant/internal/auth"
	"github.com/bizmatters/loan-assistant/internal/config"
	"github.com/bizmatters/loan-assistant/internal/gateway"
	"github.com/bizmatters/loan-assistant/internal/metrics"
	"github.com/bizmatters/loan-assistant/internal/orchestration"
	"github.com/bizmatters/loan-assistant/internal/session"
)

// @title Loan Assistant API
// @version 1.0
// @description Conversational personal loan application service.
// @description
// @description An applicant is guided step by step from employment details to a sanction letter.
// @description Credit evaluation, OTP verification, document storage and approval are delegated to a backend.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the session token.

const janitorInterval = 10 * time.Minute

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize OpenTelemetry
	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	flowMetrics, err := metrics.NewFlowMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	store, closeStore := openStore(cfg)
	defer closeStore()

	collab, backend := newCollaborators(cfg)
	service := orchestration.NewService(store, collab,
		orchestration.WithMetrics(flowMetrics),
		orchestration.WithBackendMode(string(cfg.BackendMode)),
	)

	jwtManager, err := auth.NewJWTManager(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to initialize JWT manager: %v", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go session.RunJanitor(janitorCtx, store, janitorInterval, log.Printf)

	gatewayHandler := gateway.NewHandler(service, jwtManager, cfg.SessionTTL)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(structuredLoggingMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if p, ok := store.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"error":  "database connection failed",
				})
				return
			}
		}
		if !backend.IsHealthy(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "backend unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "backend_mode": cfg.BackendMode, "session_store": cfg.SessionStore})
	})

	api := router.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	gatewayHandler.RegisterRoutes(api)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// chat replies stream over WebSockets, which are hijacked and not
		// subject to WriteTimeout
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf(`{"level":"info","message":"Starting loan assistant API","port":%q,"backend_mode":%q,"session_store":%q}`,
			cfg.Port, cfg.BackendMode, cfg.SessionStore)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	stopJanitor()
	if err := tp.Shutdown(ctx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Server exited")
}

// openStore returns the configured session store and a function releasing it
func openStore(cfg *config.Config) (session.Store, func()) {
	if cfg.SessionStore != config.StorePostgres {
		log.Println("Using in-memory session store")
		return session.NewMemoryStore(cfg.SessionTTL), func() {}
	}

	pool := connectPostgres(cfg.DatabaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Migrate(ctx, pool); err != nil {
		pool.Close()
		log.Fatalf("Failed to apply migrations: %v", err)
	}
	log.Println("Using PostgreSQL session store")
	return session.NewPostgresStore(pool, cfg.SessionTTL), pool.Close
}

// connectPostgres connects with retries while the database starts up
func connectPostgres(dbURL string) *pgxpool.Pool {
	log.Println("Connecting to PostgreSQL database...")
	var pool *pgxpool.Pool
	var err error

	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				break
			}
			pool.Close()
		}
		log.Printf("Waiting for database... (attempt %d/10): %v", i+1, err)
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	log.Println("Connected to PostgreSQL database")
	return pool
}

func newCollaborators(cfg *config.Config) (orchestration.Collaborators, orchestration.Backend) {
	if cfg.BackendMode == config.BackendHTTP {
		client := orchestration.NewBackendClient(cfg.BackendURL, cfg.BackendTimeout)
		chat := orchestration.NewChatStreamClient(cfg.BackendURL)
		return orchestration.CollaboratorsFrom(client, chat), client
	}
	mock := orchestration.NewMockBackend(cfg.BackendLatency)
	return orchestration.CollaboratorsFrom(mock, mock), mock
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}

// structuredLoggingMiddleware provides structured JSON logging for all requests
func structuredLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)

		logEntry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"route":      c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}

		// set by auth.RequireSession
		if sessionID, ok := c.Get(auth.SessionIDKey); ok {
			logEntry["session_id"] = sessionID
		}

		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(logEntry)
		log.Println(string(logJSON))
	}
}
