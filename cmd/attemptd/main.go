package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/mind-engage/mindengage-attempts/internal/api/http"
	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	auth "github.com/mind-engage/mindengage-attempts/internal/auth/middleware"
	"github.com/mind-engage/mindengage-attempts/internal/config"
	"github.com/mind-engage/mindengage-attempts/internal/db"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/grading"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	var (
		store  exam.Store
		events interface {
			syncx.Sink
			api.EventSource
		}
		ready func(context.Context) error
	)
	if cfg.DBDriver == "memory" {
		store, events = exam.NewInMemoryStore(), syncx.NewMemoryLog()
	} else {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
		cancel()
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		defer closeDB(dbh)
		store, events = exam.NewSQLStore(dbh), syncx.NewEventRepo(dbh, cfg.SiteID)
		ready = dbh.PingContext
	}

	// --- Engine ---
	mgr := attempt.NewManager(store,
		attempt.WithEngine(grading.NewEngine(grading.WithShortTextNormalization(cfg.ShortTextNormalize))),
		attempt.WithEvents(events),
		attempt.WithAutosaveDelay(cfg.AutosaveDelay),
		attempt.WithTickInterval(cfg.TickInterval),
	)
	var sweeper *attempt.Sweeper
	if cfg.EnableExpirySweep {
		sweeper = attempt.NewSweeper(mgr, cfg.SweepSchedule)
		if err := sweeper.Start(); err != nil {
			log.Fatalf("expiry sweep: %v", err)
		}
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	deps := api.Deps{
		Manager: mgr,
		Store:   store,
		Events:  events,
		Auth:    auth.NewAuthService(cfg.AuthHMACSecret),
		Ready:   ready,
	}
	if cfg.EnableLocalAuth {
		deps.Login = &auth.LocalLogin{DevUsers: true, AdminUser: cfg.AdminUser, AdminPassHash: cfg.AdminPassHash}
	}
	api.Mount(r, deps)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	// open attempts stay in_progress; pending edits are flushed
	mgr.Shutdown(shutCtx)
}

func closeDB(dbh *sql.DB) {
	if err := dbh.Close(); err != nil {
		log.Printf("db close: %v", err)
	}
}
