package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/auth"
	"github.com/mahaj/tenant-realtime/pkg/changefeed"
	"github.com/mahaj/tenant-realtime/pkg/config"
	"github.com/mahaj/tenant-realtime/pkg/logging"
)

// Routes serves the websocket endpoint and the metrics scrape.
func Routes(hub *Hub, signer *auth.Signer, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, signer, w, r)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

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

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	publisher := changefeed.NewPublisher(changefeed.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := NewHub(NewRedisPresence(rdb), publisher, NewMetrics(reg))
	go hub.Run(ctx)

	// Unique group so every gateway instance sees every change.
	reader := changefeed.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, "gateway-"+uuid.NewString(), kafka.LastOffset)
	go func() {
		if err := changefeed.Consume(ctx, reader, hub.Deliver); err != nil {
			jww.ERROR.Printf("Gateway consumer stopped: %v", err)
		}
	}()

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: Routes(hub, auth.NewSigner(cfg.JWTSecret), reg)}
	go func() {
		jww.INFO.Printf("Gateway Service Starting on %s...", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			jww.FATAL.Fatalf("Gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdown); err != nil {
		jww.ERROR.Printf("Gateway shutdown: %v", err)
	}
}
