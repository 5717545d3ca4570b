package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type serverState struct {
	cfg    appConfig
	db     *sql.DB
	broker *entryBroker

	// Closed on graceful shutdown to unwind long-lived stream loops.
	shutdown chan struct{}

	mu       sync.RWMutex
	sessions map[string]uuid.UUID // sessionID -> user id
}

func newServerState(cfg appConfig, db *sql.DB, broker *entryBroker) *serverState {
	return &serverState{
		cfg:      cfg,
		db:       db,
		broker:   broker,
		shutdown: make(chan struct{}),
		sessions: make(map[string]uuid.UUID),
	}
}

func main() {
	cfg := loadConfig()

	db, err := openDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	ctx := context.Background()
	if err := ensureSchema(ctx, db); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	if err := seedDefaults(ctx, db, cfg); err != nil {
		log.Fatalf("seed defaults: %v", err)
	}

	// The broker is configured and started before the listener accepts
	// connections, so every subscriber sees the operational capacity and
	// every write can publish.
	broker := newEntryBroker()
	broker.configure(cfg.EntryEventQueueSize)

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	broker.start(brokerCtx)

	srv := newServerState(cfg, db, broker)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("stocktaker listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	close(srv.shutdown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}

func (s *serverState) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)
		r.Get("/auth/me", s.handleMe)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", s.handleListEntries)
			r.Post("/", s.handleCreateEntry)
			r.Get("/stream", s.handleEntryStream)
			r.Delete("/bulk", s.handleBulkDeleteEntries)
			r.Put("/{id}", s.handleUpdateEntry)
			r.Delete("/{id}", s.handleDeleteEntry)
		})

		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.handleListItems)
			r.Post("/", s.handleCreateItem)
			r.Put("/{id}", s.handleUpdateItem)
			r.Delete("/{id}", s.handleDeleteItem)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.handleListCategoryGroups)
			r.Post("/groups", s.handleCreateCategoryGroup)
			r.Post("/", s.handleCreateCategory)
			r.Delete("/{id}", s.handleDeleteCategory)
		})

		r.Route("/warehouses", func(r chi.Router) {
			r.Get("/", s.handleListWarehouses)
			r.Post("/", s.handleCreateWarehouse)
			r.Delete("/{id}", s.handleDeleteWarehouse)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListInventorySessions)
			r.Post("/", s.handleCreateInventorySession)
			r.Patch("/{id}", s.handleUpdateInventorySession)
		})

		r.Route("/units", func(r chi.Router) {
			r.Get("/", s.handleListUnits)
			r.Post("/", s.handleCreateUnit)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Put("/{id}", s.handleUpdateUser)
			r.Delete("/{id}", s.handleDeactivateUser)
		})

		r.Route("/roles", func(r chi.Router) {
			r.Get("/", s.handleListRoles)
			r.Post("/", s.handleCreateRole)
			r.Put("/{id}", s.handleUpdateRole)
			r.Delete("/{id}", s.handleDeleteRole)
		})

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/summary", s.handleDashboardSummary)
			r.Get("/detail/{itemID}", s.handleDashboardDetail)
			r.Get("/export", s.handleDashboardExport)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func errorJSON(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s", r.Method, r.URL.Path, duration)
	})
}
