// cmd/ticker-agent/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orra/internal/broker"
	"orra/internal/tickeragent"
	"orra/pkg/config"
	"orra/pkg/db"
	"orra/pkg/logger"
	"orra/pkg/middleware"
	"orra/pkg/streams"
	"orra/pkg/tenants"
	"orra/pkg/vault"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)
	if rdb == nil {
		log.Fatalw("REDIS_URL is required")
	}

	var dir tenants.Directory
	if pool != nil {
		dir = tenants.NewPostgresDirectory(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
	} else {
		dir = tenants.NewMemoryDirectory()
	}

	cipher, err := vault.NewCipher(cfg.MasterEncryptionKey)
	if err != nil {
		log.Fatalw("cipher", "err", err)
	}

	agent := tickeragent.New(tickeragent.Config{
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		Instruments:           cfg.Instruments,
	}, log, dir, cipher, streams.NewBus(rdb), &broker.WSDialer{URL: cfg.TickerWSURL, Log: log})

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	agent.Health.Routes(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.TickerAgentAddr, Handler: r}
	go func() {
		log.Infow("ticker-agent listening", "addr", cfg.TickerAgentAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	runDone := make(chan struct{})
	go func() {
		agent.Run(context.Background())
		close(runDone)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	agent.Stop()
	<-runDone

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("ticker-agent stopped")
}
