// Command seqfunc-backfill embeds facts whose embeddings are still pending,
// either once or on an interval, and can rebuild the whole embedding index
// after a model change.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openlongevity/seqfunc/internal/app"
	"github.com/openlongevity/seqfunc/internal/config"
	"github.com/openlongevity/seqfunc/internal/engine"
)

var (
	configPath = flag.String("config", "", "Path to config file (optional, uses env vars by default)")
	dsn        = flag.String("dsn", "", "Storage DSN (overrides config)")
	interval   = flag.Duration("interval", 0, "Backfill interval (overrides config)")
	oneshot    = flag.Bool("oneshot", false, "Run a single backfill pass and exit")
	rebuild    = flag.Bool("rebuild", false, "Re-embed every active fact and exit (use after changing models)")
	workers    = flag.Int("workers", 4, "Concurrent embedding requests during -rebuild")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dsn != "" {
		cfg.Storage.DSN = *dsn
	}
	if *interval > 0 {
		cfg.Engine.BackfillInterval = *interval
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	kb, store, err := app.OpenKnowledgeBase(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open knowledge base: %v", err)
	}
	defer store.Close()
	defer kb.Close()

	if *rebuild {
		handleRebuild(ctx, kb)
		return
	}

	if *oneshot {
		handleOneshot(ctx, kb)
		return
	}

	runService(ctx, kb, cfg.Engine.BackfillInterval)
}

func handleRebuild(ctx context.Context, kb *engine.KnowledgeBase) {
	log.Printf("Rebuilding embedding index with %d worker(s)...", *workers)

	count, err := kb.Embeddings().Rebuild(ctx, *workers)
	if err != nil {
		log.Fatalf("Rebuild failed after %d fact(s): %v", count, err)
	}

	log.Printf("Rebuild complete: %d fact(s) re-embedded", count)
}

func handleOneshot(ctx context.Context, kb *engine.KnowledgeBase) {
	count, err := kb.BackfillPending(ctx)
	if err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}

	log.Printf("Backfill complete: %d fact(s) embedded", count)
	if count == 0 {
		return
	}

	// A full batch means more may be waiting.
	log.Println("Run again or use the service mode to drain the queue")
}

func runService(ctx context.Context, kb *engine.KnowledgeBase, every time.Duration) {
	kb.StartBackfill(ctx)

	log.Printf("Backfill service started (interval: %s)", every)
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down backfill service...")
	kb.StopBackfill()
	log.Println("Backfill service stopped")
}
