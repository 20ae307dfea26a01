package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/authz"
	"github.com/nmatss/servicedesk-core/internal/httpapi"
	"github.com/nmatss/servicedesk-core/internal/obs"
	"github.com/nmatss/servicedesk-core/internal/rls"
	"github.com/nmatss/servicedesk-core/internal/store/pg"
	"github.com/nmatss/servicedesk-core/internal/token"
)

var (
	version = "0.3.1"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("DESK_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DESK_PG_DSN")
	}
	secret := os.Getenv("DESK_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing DESK_AUTH_SECRET")
	}
	addr := os.Getenv("DESK_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	sink := audit.NewRecorder(store)
	evaluator, err := authz.NewEvaluator(store, sink)
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}
	manager, err := token.NewManager(secret, store, store, token.WithAuditSink(sink))
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}
	composer, err := rls.NewComposer(store, sink)
	if err != nil {
		log.Fatalf("policy composer: %v", err)
	}

	// Hourly sweep of expired and long-revoked refresh tokens.
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, err := manager.CleanupExpiredTokens(ctx)
		if err != nil {
			obs.Log(map[string]any{
				"ts":    time.Now().UTC().Format(time.RFC3339Nano),
				"type":  "token_cleanup_error",
				"error": err.Error(),
			})
			return
		}
		obs.Log(map[string]any{
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			"type":    "token_cleanup",
			"removed": removed,
		})
	}); err != nil {
		log.Fatalf("schedule cleanup: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	api := httpapi.New(evaluator, manager, composer, httpapi.ReadyProbe{DB: store.DB()}, version)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authcore %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
