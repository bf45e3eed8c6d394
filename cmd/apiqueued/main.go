package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chainfolio/apiqueue/config"
	"github.com/chainfolio/apiqueue/journal"
	"github.com/chainfolio/apiqueue/server"
	"github.com/chainfolio/apiqueue/transport"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatal(err)
	}

	setupLogging(cfg)

	var jnl journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.New(&journal.Options{
			Path:       cfg.Journal.Path,
			Type:       cfg.Journal.Type,
			Retention:  cfg.Journal.Retention,
			MaxEntries: cfg.Journal.MaxEntries,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	client, err := transport.NewClient(cfg, jnl)
	if err != nil {
		log.Fatal(err)
	}

	client.OnAuthFailure(func() {
		log.Warn("backend session invalidated")
	})

	gateway, err := server.NewGateway(cfg, client)
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      gateway,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	srv.SetKeepAlivesEnabled(false)

	metricsSrv := server.NewMetrics(cfg)

	log.Info("Starting server...")

	go func() {
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
		}
	}()

	// Handle shutdowns gracefully
	signalChan := make(chan os.Signal, 1)
	signal.Notify(
		signalChan,
		syscall.SIGINT,
		syscall.SIGTERM,
	)

	<-signalChan
	log.Info("Shutting down gracefully...")

	gracefulCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(gracefulCtx); err != nil {
		log.Fatal(err)
	} else {
		log.Info("Gracefully stopped server")
	}

	if err := metricsSrv.Shutdown(gracefulCtx); err != nil {
		log.Fatal(err)
	} else {
		log.Info("Gracefully stopped metrics")
	}

	if err := client.Shutdown(gracefulCtx); err != nil {
		log.Fatal(err)
	} else {
		log.Info("Gracefully stopped transport")
	}

	if jnl != nil {
		if err := jnl.Shutdown(); err != nil {
			log.Fatal(err)
		} else {
			log.Info("Gracefully stopped journal")
		}
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)

	if cfg.Log.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
