// Command anchorsync replays the committed revisions of documents through
// the comment anchor pipeline, so stored anchors follow edits that were made
// outside an editor session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/anchors/internal/app"
	"chronicle/anchors/internal/config"
	"chronicle/anchors/internal/gitrepo"
	"chronicle/anchors/internal/search"
	"chronicle/anchors/internal/session"
	"chronicle/anchors/internal/store"
)

func main() {
	migrate := flag.Bool("migrate", true, "apply pending database migrations before syncing")
	historyLimit := flag.Int("history", 0, "log the latest N revisions of each document after syncing")
	listStale := flag.Bool("stale", false, "log the stale comments of each document from the search index")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <documentID>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if *migrate {
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	opts := []app.Option{app.WithLogger(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := session.NewRedisStore(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		opts = append(opts, app.WithCache(cache))
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index := search.NewIndex(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer index.Close()
		opts = append(opts, app.WithIndex(index))
	}

	service := app.New(cfg, store.NewPostgresStore(db), gitrepo.New(cfg.ReposDir), opts...)

	failed := 0
	for _, documentID := range flag.Args() {
		if ctx.Err() != nil {
			break
		}
		result, err := service.SyncDocument(ctx, documentID)
		if err != nil {
			logger.Error("anchorsync: sync failed", "document_id", documentID, "error", err)
			failed++
			continue
		}
		stale := 0
		for _, a := range result.Anchors {
			if a.IsStale {
				stale++
			}
		}
		logger.Info("anchorsync: synced",
			"document_id", documentID,
			"replayed", result.Replayed,
			"anchors", len(result.Anchors),
			"stale", stale,
			"head", result.Head,
		)

		if *historyLimit > 0 {
			revisions, err := service.History(documentID, *historyLimit)
			if err != nil {
				logger.Warn("anchorsync: history failed", "document_id", documentID, "error", err)
			}
			for _, rev := range revisions {
				logger.Info("anchorsync: revision",
					"document_id", documentID,
					"revision", rev.ShortHash,
					"author", rev.Author,
					"message", strings.TrimSpace(rev.Message),
					"created_at", rev.CreatedAt,
				)
			}
		}
		if *listStale {
			hits, total, err := service.SearchComments(search.Query{DocumentID: documentID, StaleOnly: true, Limit: 100})
			if err != nil {
				logger.Warn("anchorsync: stale comment search failed", "document_id", documentID, "error", err)
				continue
			}
			for _, hit := range hits {
				logger.Info("anchorsync: stale comment", "document_id", documentID, "anchor_id", hit.ID, "quoted_text", hit.QuotedText)
			}
			logger.Info("anchorsync: stale comments", "document_id", documentID, "total", total)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := service.Close(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if failed > 0 {
		log.Fatalf("%d document(s) failed to sync", failed)
	}
}
