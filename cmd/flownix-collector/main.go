package main

import (
	"Flownix/internal/config"
	"Flownix/internal/dns"
	"Flownix/internal/engine/flowaggregator"
	"Flownix/internal/engine/manager"
	"Flownix/internal/factory"
	"Flownix/internal/forward"
	"Flownix/internal/model"
	"Flownix/internal/pkg/logging"
	"Flownix/internal/probe"
	"Flownix/internal/storage" // also registers the storage backends
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// forwarder is the client side of a forwarding transport.
type forwarder interface {
	Run(ctx context.Context) error
}

func main() {
	configFile := flag.String("config", "configs/flownix.yaml", "Path to the configuration file")
	flag.Parse()

	// 1. Load configuration and set up logging
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	log := logger.WithField("component", "collector")
	col := cfg.Collector

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open storage and warm the DNS cache from it
	store, err := factory.Create(col.Storage, false, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	resolver := dns.NewResolver(nil, col.DNS.LookupTimeout, logger)
	if err := resolver.Load(ctx, store); err != nil {
		log.WithError(err).Warn("Starting with an empty dns cache")
	}

	// 3. Start the storage writer
	storeQueue := make(chan model.Batch, col.QueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		storage.NewWriter(store, col.Storage.CommitEvery, logger).Run(context.Background(), storeQueue)
	}()

	// 4. Start the forwarding client if enabled
	var forwardQueue chan model.Batch
	fwdCtx, fwdCancel := context.WithCancel(ctx)
	defer fwdCancel()
	fwdDone := make(chan struct{})
	if col.Forwarding.Enabled {
		forwardQueue = make(chan model.Batch, col.Forwarding.QueueSize)
		fwd, closeFwd := newForwarder(col.Forwarding, forwardQueue, logger)
		go func() {
			defer close(fwdDone)
			defer closeFwd()
			if err := fwd.Run(fwdCtx); err != nil {
				log.WithError(err).Error("Forwarding stopped")
			}
		}()
	} else {
		close(fwdDone)
	}

	// 5. Launch the capture process and run the pipeline until it ends
	capture, err := probe.Start(col.Capture, logger)
	if err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	agg := flowaggregator.NewAggregator(logger)
	m := manager.NewManager(resolver, agg, manager.Queues{Store: storeQueue, Forward: forwardQueue}, col.Window, logger)
	m.Run(ctx, capture.Lines())

	// 6. Ordered shutdown: capture, dns cache, queues, consumers, storage
	log.Info("Shutting down...")
	if err := capture.Stop(); err != nil {
		log.WithError(err).Warn("Capture ended abnormally")
	}
	if err := resolver.Flush(context.Background(), store); err != nil {
		log.WithError(err).Error("Failed to persist dns cache")
	}

	close(storeQueue)
	if forwardQueue != nil {
		close(forwardQueue)
		grace := col.Forwarding.DialTimeout + col.Forwarding.ReplyTimeout
		select {
		case <-fwdDone:
		case <-time.After(grace):
			log.Warn("Forwarding did not drain in time, abandoning remaining batches")
			fwdCancel()
			<-fwdDone
		}
	}
	<-writerDone

	if err := store.Close(); err != nil {
		log.WithError(err).Error("Failed to close storage")
	}
	stats := m.Stats()
	log.WithFields(logrus.Fields{
		"lines":    stats.Lines,
		"unparsed": stats.Unparsed,
		"windows":  stats.Windows,
		"dropped":  stats.Dropped,
		"lookups":  resolver.Lookups(),
	}).Info("Collector stopped")
}

// newForwarder builds the configured transport and its cleanup function.
func newForwarder(cfg config.ForwardingConfig, queue <-chan model.Batch, logger *logrus.Logger) (forwarder, func()) {
	switch cfg.Transport {
	case "nats":
		p, err := forward.NewNATSPublisher(cfg, queue, logger)
		if err != nil {
			logger.Fatalf("Failed to set up nats forwarding: %v", err)
		}
		return p, p.Close
	default:
		pool, err := forward.LoadCAPool(cfg.CACertPath)
		if err != nil {
			logger.Fatalf("Failed to load receiver CA: %v", err)
		}
		return forward.NewClient(cfg, forward.ClientTLSConfig(pool), queue, logger), func() {}
	}
}
