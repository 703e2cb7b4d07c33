package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/schemapilot/chatrelay/internal/config"
	"github.com/schemapilot/chatrelay/internal/conversation"
	"github.com/schemapilot/chatrelay/internal/db"
	"github.com/schemapilot/chatrelay/internal/httpapi"
	"github.com/schemapilot/chatrelay/internal/kvstore"
	"github.com/schemapilot/chatrelay/internal/notify"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

func openStore(cfg config.Config) kvstore.Store {
	switch cfg.StoreBackend {
	case "memory":
		return kvstore.NewMemory()
	case "redis":
		return kvstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "mysql":
		st, err := kvstore.NewGorm(db.ConnectMySQL(cfg.DBDSN))
		if err != nil {
			log.Fatalf("kvstore migrate: %v", err)
		}
		return st
	default: // sqlite
		st, err := kvstore.NewGorm(db.ConnectSQLite(cfg.SQLitePath))
		if err != nil {
			log.Fatalf("kvstore migrate: %v", err)
		}
		return st
	}
}

func main() {
	cfg := config.Load()

	store := openStore(cfg)

	client := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformTimeout)

	var notifier queue.Notifier
	if cfg.RabbitURL != "" {
		pub, err := notify.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			// delivery events are best-effort, run without them
			log.Printf("rabbit connect failed, delivery events disabled: %v", err)
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	q := queue.New(store, client, queue.Options{
		BatchSize:     cfg.DrainBatchSize,
		MaxRetries:    cfg.QueueMaxRetries,
		DrainInterval: cfg.DrainInterval,
		Notifier:      notifier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.Load(ctx); err != nil {
		log.Fatalf("queue load: %v", err)
	}
	q.Start(ctx)

	sessions := session.NewStore(cfg.SessionTimeout)

	cr := cron.New()
	if _, err := cr.AddFunc("@hourly", func() {
		if n := sessions.Sweep(); n > 0 {
			log.Printf("session sweep evicted=%d", n)
		}
	}); err != nil {
		log.Fatalf("cron: %v", err)
	}
	cr.Start()
	defer cr.Stop()

	conv := conversation.NewController(client, q, store, conversation.Options{
		MaxRetries: cfg.QueueMaxRetries,
		RetryBase:  cfg.DirectRetryBase,
	})
	conv.Restore(ctx)

	// connectivity prober drives the queue's online flag
	go func() {
		t := time.NewTicker(cfg.ProbeInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, cancel := context.WithTimeout(ctx, cfg.PlatformTimeout)
				err := client.Ping(pctx)
				cancel()
				online := err == nil
				if online != q.Online() {
					log.Printf("connectivity changed online=%v", online)
				}
				q.SetOnline(online)
			}
		}
	}()

	r := httpapi.NewRouter(cfg, sessions, q, conv, client)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("server listening addr=%s backend=%s", cfg.ListenAddr, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	// flush whatever the remote will still take before exiting
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if q.Online() {
		q.Drain(flushCtx)
	}
}
