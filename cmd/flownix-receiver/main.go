package main

import (
	"Flownix/internal/api"
	"Flownix/internal/config"
	"Flownix/internal/dns"
	"Flownix/internal/factory"
	"Flownix/internal/forward"
	"Flownix/internal/model"
	"Flownix/internal/pkg/logging"
	"Flownix/internal/storage" // also registers the storage backends
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "configs/flownix.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	log := logger.WithField("component", "receiver")
	rcv := cfg.Receiver

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage and its writer. The receiver's dns cache lives in memory only.
	store, err := factory.Create(rcv.Storage, true, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	resolver := dns.NewResolver(nil, rcv.DNS.LookupTimeout, logger)

	queue := make(chan model.Batch, rcv.QueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		storage.NewWriter(store, rcv.Storage.CommitEvery, logger).Run(context.Background(), queue)
	}()
	handler := forward.NewHandler(resolver, queue, logger)

	// 2. Health service
	var health *api.HealthServer
	if rcv.HealthAddr != "" {
		health, err = api.NewHealthServer(rcv.HealthAddr, logger)
		if err != nil {
			log.Fatalf("Failed to start health server: %v", err)
		}
		go func() {
			if err := health.Serve(); err != nil {
				log.WithError(err).Error("Health server failed")
			}
		}()
	}

	// 3. Websocket server and the optional NATS listener
	srv := forward.NewServer(rcv.ListenAddr, handler, logger)
	go func() {
		if err := srv.ListenAndServeTLS(rcv.CertPath, rcv.KeyPath); err != nil {
			log.WithError(err).Error("Receiver server failed")
			stop()
		}
	}()

	var sub *forward.NATSSubscriber
	if rcv.NATS.Enabled {
		sub, err = forward.NewNATSSubscriber(rcv.NATS, handler, logger)
		if err != nil {
			log.Fatalf("Failed to connect to nats: %v", err)
		}
		if err := sub.Start(); err != nil {
			log.Fatalf("Failed to subscribe to '%s': %v", rcv.NATS.Subject, err)
		}
	}

	if health != nil {
		health.SetServing(true)
	}
	log.Info("Receiver ready")
	<-ctx.Done()

	// 4. Ordered shutdown: stop intake, drain the queue, close storage
	log.Info("Shutting down...")
	if health != nil {
		health.SetServing(false)
	}
	if sub != nil {
		sub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Receiver server did not shut down cleanly")
	}

	// Closes the queue once no handler can send on it any more.
	handler.Close()
	<-writerDone
	if health != nil {
		health.Stop()
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Error("Failed to close storage")
	}
	log.WithField("dns_entries", resolver.Len()).Info("Receiver stopped")
}
