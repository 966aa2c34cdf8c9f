package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/auth"
	"github.com/mahaj/tenant-realtime/pkg/changefeed"
	"github.com/mahaj/tenant-realtime/pkg/config"
	"github.com/mahaj/tenant-realtime/pkg/db"
	"github.com/mahaj/tenant-realtime/pkg/logging"
	"github.com/mahaj/tenant-realtime/pkg/snowflake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		jww.FATAL.Fatalf("Failed to load config: %v", err)
	}
	logFile, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		jww.FATAL.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
	if err != nil {
		jww.FATAL.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	publisher := changefeed.NewPublisher(changefeed.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	defer publisher.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	// In production, node ID should be unique per instance
	ids, err := snowflake.NewNode(2, nil)
	if err != nil {
		jww.FATAL.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	s := &Server{
		repo:     session,
		feed:     publisher,
		presence: NewRedisPresence(rdb),
		signer:   auth.NewSigner(cfg.JWTSecret),
		ids:      ids,
		files:    cfg.FilesDir,
		now:      time.Now,
	}

	srv := &http.Server{Addr: cfg.APIAddr, Handler: s.Routes()}
	go func() {
		jww.INFO.Printf("API Service Starting on %s...", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			jww.FATAL.Fatalf("API server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		jww.ERROR.Printf("API shutdown: %v", err)
	}
}
