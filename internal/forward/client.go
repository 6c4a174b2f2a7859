package forward

import (
	"Flownix/internal/config"
	"Flownix/internal/model"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrRejected is returned when the receiver acknowledges a batch with an error status.
var ErrRejected = errors.New("batch rejected by receiver")

// Client streams batches to a receiver over one persistent TLS websocket.
// Exactly one batch is in flight at a time: the next batch is not sent until
// the reply for the previous one has been read.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	queue        <-chan model.Batch
	backoff      time.Duration
	dialTimeout  time.Duration
	replyTimeout time.Duration
	log          logrus.FieldLogger

	// inflight is an encoded batch that has not been acknowledged yet. It
	// survives reconnects so that it is resent rather than lost.
	inflight  []byte
	delivered atomic.Int64
}

// NewClient creates a forwarding client for cfg.Address.
func NewClient(cfg config.ForwardingConfig, tlsCfg *tls.Config, queue <-chan model.Batch, log logrus.FieldLogger) *Client {
	u := url.URL{Scheme: "wss", Host: cfg.Address, Path: "/"}
	return &Client{
		url: u.String(),
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: cfg.DialTimeout,
		},
		queue:        queue,
		backoff:      cfg.Backoff,
		dialTimeout:  cfg.DialTimeout,
		replyTimeout: cfg.ReplyTimeout,
		log:          log.WithFields(logrus.Fields{"component": "forward-client", "receiver": cfg.Address}),
	}
}

// Delivered returns the number of batches acknowledged by the receiver.
func (c *Client) Delivered() int64 {
	return c.delivered.Load()
}

// Run connects and forwards batches until ctx is done or the queue is closed.
// Connection failures are retried after the configured backoff.
func (c *Client) Run(ctx context.Context) error {
	c.log.Info("Forwarding client started")
	defer c.log.Info("Forwarding client stopped")

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warnf("Connect failed, retrying in %s", c.backoff)
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		c.log.Info("Connected to receiver")
		err = c.serve(ctx, conn)
		conn.Close()
		if err == nil {
			return nil
		}
		c.log.WithError(err).Warnf("Connection lost, reconnecting in %s", c.backoff)
		if !sleep(ctx, c.backoff) {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs the request/reply cycle on one connection. It returns nil on a
// clean stop and an error when the connection must be re-established.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		if c.inflight == nil {
			payload, ok := nextPayload(ctx, c.queue, c.log)
			if !ok {
				closeConn(conn)
				return nil
			}
			c.inflight = payload
		}

		err := c.roundTrip(conn, c.inflight)
		switch {
		case errors.Is(err, ErrRejected):
			c.log.WithError(err).Warn("Dropping batch")
		case err != nil:
			return err
		default:
			c.delivered.Add(1)
		}
		c.inflight = nil
	}
}

func (c *Client) roundTrip(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(c.replyTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.replyTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read acknowledgement: %w", err)
	}
	return checkAck(reply)
}

func checkAck(reply []byte) error {
	var ack Ack
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("invalid acknowledgement: %w", err)
	}
	if ack.Status != StatusOK {
		return fmt.Errorf("%w: status %q", ErrRejected, ack.Status)
	}
	return nil
}

func closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "collector shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// nextPayload waits for a batch with at least one encodable flow.
func nextPayload(ctx context.Context, queue <-chan model.Batch, log logrus.FieldLogger) ([]byte, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case b, ok := <-queue:
			if !ok {
				return nil, false
			}
			payload, skipped, err := EncodeBatch(b)
			if err != nil {
				log.WithError(err).Error("Dropping batch")
				continue
			}
			if skipped > 0 {
				log.Warnf("Skipped %d flows whose keys contain separator sequences", skipped)
			}
			if skipped == len(b.Flows) {
				continue
			}
			return payload, true
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
