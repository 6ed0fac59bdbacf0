package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geoattend/internal/audit"
	"geoattend/internal/config"
	"geoattend/internal/metrics"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Worker consumes scan events and appends them to the audit log.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := openAuditDB(cfg)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	repo := audit.NewRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("audit migrate failed: %v", err)
	}

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	} else {
		log.Printf("WARNING: queue backend %q is process local, no events will arrive", cfg.QueueBackend)
		q = queue.NewInMemory(64)
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	n := run(ctx, messages, repo)
	log.Printf("worker stopped after %d events", n)
}

func openAuditDB(cfg config.App) (*store.DB, error) {
	if cfg.StoreBackend == "postgres" {
		return store.NewDB(cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.SQLitePath)
}

// run drains messages until the channel closes and returns the number of
// entries appended.
func run(ctx context.Context, messages <-chan queue.Message, repo *audit.Repository) int {
	appended := 0
	for msg := range messages {
		if msg.Type != queue.TypeScanRecorded {
			log.Printf("skipping message type %q", msg.Type)
			continue
		}
		evt, err := msg.ScanEvent()
		if err != nil {
			log.Printf("decode scan event failed: %v", err)
			metrics.AuditAppended.WithLabelValues("invalid").Inc()
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		inserted, err := repo.Append(writeCtx, audit.FromEvent(evt))
		cancel()
		switch {
		case err != nil:
			log.Printf("audit append %s failed: %v", evt.ID, err)
			metrics.AuditAppended.WithLabelValues("failed").Inc()
		case !inserted:
			log.Printf("event %s already recorded", evt.ID)
			metrics.AuditAppended.WithLabelValues("duplicate").Inc()
		default:
			log.Printf("event %s: %s %s %s", evt.ID, evt.StudentID, evt.Direction, evt.SessionID)
			metrics.AuditAppended.WithLabelValues("appended").Inc()
			appended++
		}
	}
	return appended
}
