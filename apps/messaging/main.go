package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/changefeed"
	"github.com/mahaj/tenant-realtime/pkg/config"
	"github.com/mahaj/tenant-realtime/pkg/db"
	"github.com/mahaj/tenant-realtime/pkg/logging"
)

// Instances share one group so each change is projected once.
const groupID = "messaging-service-group"

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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
	if err != nil {
		jww.FATAL.Fatalf("Failed to connect to ScyllaDB %s keyspace: %v", cfg.Keyspace, err)
	}
	defer session.Close()

	projector := NewProjector(session)
	reader := changefeed.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, groupID, kafka.FirstOffset)

	jww.INFO.Println("Starting Kafka Consumer...")
	if err := changefeed.Consume(ctx, reader, projector.Handle); err != nil {
		jww.ERROR.Printf("Consumer stopped: %v", err)
	}
}
