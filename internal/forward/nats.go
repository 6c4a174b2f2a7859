package forward

import (
	"Flownix/internal/config"
	"Flownix/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SenderHeader carries the collector address on NATS messages, where the
// receiver cannot see the peer address of the connection.
const SenderHeader = "Flownix-Sender-Ip"

// NATSPublisher forwards batches as NATS requests and waits for the reply
// to each one before sending the next.
type NATSPublisher struct {
	nc       *nats.Conn
	subject  string
	senderIP string
	queue    <-chan model.Batch
	backoff  time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger

	inflight  []byte
	delivered atomic.Int64
}

// NewNATSPublisher connects to the broker in cfg.NATS.
func NewNATSPublisher(cfg config.ForwardingConfig, queue <-chan model.Batch, log logrus.FieldLogger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("flownix-collector"),
		nats.Timeout(cfg.DialTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.Backoff),
	}
	if cfg.CACertPath != "" {
		opts = append(opts, nats.RootCAs(cfg.CACertPath))
	}

	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log = log.WithFields(logrus.Fields{"component": "nats-publisher", "subject": cfg.NATS.Subject})
	log.Infof("Connected to NATS server at %s", cfg.NATS.URL)

	return &NATSPublisher{
		nc:       nc,
		subject:  cfg.NATS.Subject,
		senderIP: outboundIP(cfg.NATS.URL),
		queue:    queue,
		backoff:  cfg.Backoff,
		timeout:  cfg.ReplyTimeout,
		log:      log,
	}, nil
}

// Delivered returns the number of batches acknowledged by the receiver.
func (p *NATSPublisher) Delivered() int64 {
	return p.delivered.Load()
}

// Run forwards batches until ctx is done or the queue is closed. A failed
// request is retried with the same payload after the backoff.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		if p.inflight == nil {
			payload, ok := nextPayload(ctx, p.queue, p.log)
			if !ok {
				return nil
			}
			p.inflight = payload
		}

		err := p.request(ctx, p.inflight)
		switch {
		case errors.Is(err, ErrRejected):
			p.log.WithError(err).Warn("Dropping batch")
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			p.log.WithError(err).Warnf("Request failed, retrying in %s", p.backoff)
			if !sleep(ctx, p.backoff) {
				return nil
			}
			continue
		default:
			p.delivered.Add(1)
		}
		p.inflight = nil
	}
}

func (p *NATSPublisher) request(ctx context.Context, payload []byte) error {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set(SenderHeader, p.senderIP)

	reply, err := p.nc.RequestMsgWithContext(rctx, msg)
	if err != nil {
		return err
	}
	return checkAck(reply.Data)
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.log.Info("NATS connection drained and closed")
	}
}

// NATSSubscriber serves batch requests published by collectors.
type NATSSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	handler *Handler
	log     logrus.FieldLogger

	// ctx outlives Unsubscribe, so handlers still running during Close can
	// finish enqueueing instead of failing.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewNATSSubscriber connects to the broker in cfg.
func NewNATSSubscriber(cfg config.ReceiverNATSConfig, handler *Handler, log logrus.FieldLogger) (*NATSSubscriber, error) {
	opts := []nats.Option{nats.Name("flownix-receiver"), nats.MaxReconnects(-1)}
	if cfg.CACertPath != "" {
		opts = append(opts, nats.RootCAs(cfg.CACertPath))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log = log.WithFields(logrus.Fields{"component": "nats-subscriber", "subject": cfg.Subject})
	log.Infof("Connected to NATS server at %s", cfg.URL)
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSSubscriber{nc: nc, subject: cfg.Subject, handler: handler, log: log, ctx: ctx, cancel: cancel}, nil
}

// Start subscribes and answers every request with an Ack. Requests arriving
// while the receiver shuts down get no reply and are retried by the publisher.
func (s *NATSSubscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		if !s.enter() {
			return
		}
		defer s.wg.Done()

		senderIP := model.None
		if msg.Header != nil && msg.Header.Get(SenderHeader) != "" {
			senderIP = msg.Header.Get(SenderHeader)
		}
		ack, err := s.handler.HandleBatch(s.ctx, senderIP, msg.Data)
		if err != nil {
			s.log.WithError(err).Warn("Leaving request unanswered")
			return
		}
		data, err := json.Marshal(ack)
		if err != nil {
			s.log.WithError(err).Error("Failed to encode acknowledgement")
			return
		}
		if err := msg.Respond(data); err != nil {
			s.log.WithError(err).Warn("Failed to send acknowledgement")
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("Subscribed, waiting for batches")
	return nil
}

func (s *NATSSubscriber) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close unsubscribes, waits for running handlers and closes the connection.
// No handler touches the storage queue after Close returns.
func (s *NATSSubscriber) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed")
	}
}

// outboundIP returns the local address used to reach the broker, or None.
func outboundIP(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return model.None
	}
	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return model.None
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return model.None
}
