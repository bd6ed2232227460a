package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"consult-chat/internal/auth"
	"consult-chat/internal/broker"
	"consult-chat/internal/config"
	"consult-chat/internal/database"
	"consult-chat/internal/handlers"
	"consult-chat/internal/metrics"
	"consult-chat/internal/services"
	"consult-chat/internal/websocket"
	"consult-chat/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize profile directory
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize room fan-out
	roomBroker, err := openBroker(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to broker: %v", err)
	}
	defer roomBroker.Close()

	collector := metrics.NewPrometheusCollector()

	// Initialize WebSocket hub
	hub := websocket.NewHub(collector)
	go hub.Run()
	defer hub.Stop()

	// Initialize services
	authService := auth.NewService(cfg.JWT)
	roomService := services.NewRoomService(hub, roomBroker, collector)
	if err := roomService.Start(ctx); err != nil {
		logger.Fatal("Failed to subscribe to broker: %v", err)
	}

	polls := websocket.NewPollManager(hub, cfg.Socket.PollIdle, func(s *websocket.PollSession) {
		roomService.Disconnected(ctx, s)
	})
	defer polls.Stop()

	// Initialize handlers
	socketHandlers := handlers.NewSocketHandlers(ctx, authService, roomService, hub, polls, cfg.Socket, cfg.Server.AllowedOrigins)
	profileHandlers := handlers.NewProfileHandlers(db)

	// Setup routes
	mux := http.NewServeMux()
	socketHandlers.Register(mux)
	profileHandlers.Register(mux)
	mux.Handle("GET /healthz", handlers.NewHealthHandler(hub))
	mux.Handle("GET /metrics", collector.Handler())

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(cfg.Server.AllowedOrigins, mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s%s/ws", cfg.Server.Port, cfg.Socket.Path)
	printAPIEndpoints(cfg.Socket.Path)

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}
	cancel()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, serving an empty in-memory directory")
		return database.NewMemoryDB(), nil
	}
	db, err := database.NewPostgresDB(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openBroker(ctx context.Context, cfg config.RedisConfig) (broker.Broker, error) {
	if cfg.Addr == "" {
		return broker.NewLocal(), nil
	}
	logger.Info("Fanning out rooms over redis %s channel %s", cfg.Addr, cfg.Channel)
	b, err := broker.NewRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(allowed) > 0 {
			origin = r.Header.Get("Origin")
			if !slices.Contains(allowed, origin) {
				origin = ""
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints(path string) {
	logger.Info("🔗 API endpoints:")
	logger.Info("   GET    /doctors")
	logger.Info("   GET    /users")
	logger.Info("   GET    %s/ws", path)
	logger.Info("   GET    %s/ws?sid={sid}", path)
	logger.Info("   POST   %s/poll", path)
	logger.Info("   GET    %s/poll/{sid}", path)
	logger.Info("   POST   %s/poll/{sid}", path)
	logger.Info("   DELETE %s/poll/{sid}", path)
	logger.Info("   GET    /healthz")
	logger.Info("   GET    /metrics")
}
