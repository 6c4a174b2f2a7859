package forward

import (
	"Flownix/internal/dns"
	"Flownix/internal/model"
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrShuttingDown is returned by HandleBatch when the receiver can no longer
// accept a batch. The caller must not reply, so that the collector keeps the
// batch and resends it after reconnecting.
var ErrShuttingDown = errors.New("receiver shutting down")

// Handler turns one received batch message into a sender-tagged batch on the
// receiver's storage queue. It is shared by every transport and connection,
// and it owns the sending side of the queue.
type Handler struct {
	resolver *dns.Resolver
	queue    chan<- model.Batch
	log      logrus.FieldLogger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a handler feeding queue.
func NewHandler(resolver *dns.Resolver, queue chan<- model.Batch, log logrus.FieldLogger) *Handler {
	return &Handler{resolver: resolver, queue: queue, log: log}
}

// HandleBatch decodes, tags and enqueues payload, and returns the reply to send.
// An undecodable payload is answered with StatusError; ErrShuttingDown means
// no reply at all.
func (h *Handler) HandleBatch(ctx context.Context, senderIP string, payload []byte) (Ack, error) {
	if !h.enter() {
		return Ack{}, ErrShuttingDown
	}
	defer h.wg.Done()
	if ctx.Err() != nil {
		return Ack{}, ErrShuttingDown
	}
	log := h.log.WithField("sender_ip", senderIP)

	flows, skipped, err := DecodeBatch(payload)
	if err != nil {
		log.WithError(err).Warn("Rejecting undecodable batch")
		return Ack{Status: StatusError}, nil
	}
	if skipped > 0 {
		log.Warnf("Skipped %d flows with malformed keys", skipped)
	}

	if len(flows) > 0 {
		sender := &model.Sender{Domain: h.resolver.Lookup(ctx, senderIP).Domain(), IP: senderIP}
		select {
		case h.queue <- model.Batch{Sender: sender, Flows: flows}:
		case <-ctx.Done():
			return Ack{}, ErrShuttingDown
		}
	}
	log.WithField("flows", len(flows)).Debug("Batch accepted")
	return Ack{Status: StatusOK, Echo: payload}, nil
}

func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// Close stops intake, waits for running HandleBatch calls and closes the
// storage queue. The queue consumer must keep draining until Close returns.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.closing = true
	h.mu.Unlock()

	h.wg.Wait()
	close(h.queue)
}
