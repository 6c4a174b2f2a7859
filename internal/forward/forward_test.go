package forward

import (
	"Flownix/internal/config"
	"Flownix/internal/dns"
	"Flownix/internal/model"
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func flowKey(port string) model.FlowKey {
	return model.FlowKey{
		Src:            model.Endpoint{Domain: model.None, IP: "192.168.1.10", Port: port},
		Dst:            model.Endpoint{Domain: "example.com", IP: "93.184.216.34", Port: "443"},
		Interface:      "eth0",
		Direction:      "Out",
		NetworkProto:   "IP",
		TransportProto: "TCP",
		ToS:            "0x0",
		Description:    "sni: example.com",
		Process:        model.Process{Name: "curl", Cmd: "/usr/bin/curl", Args: "curl https://example.com"},
		Parent:         model.Process{Name: model.None, Cmd: model.None, Args: model.None},
	}
}

func testBatch(ports ...string) model.Batch {
	var b model.Batch
	for i, p := range ports {
		b.Flows = append(b.Flows, model.FlowCount{Key: flowKey(p), Bytes: uint64(100 * (i + 1))})
	}
	return b
}

func asMap(flows []model.FlowCount) map[model.FlowKey]uint64 {
	m := make(map[model.FlowKey]uint64, len(flows))
	for _, f := range flows {
		m[f.Key] += f.Bytes
	}
	return m
}

func sameFlows(t *testing.T, got, want []model.FlowCount) {
	t.Helper()
	g, w := asMap(got), asMap(want)
	if len(g) != len(w) {
		t.Fatalf("got %d flows, want %d", len(g), len(w))
	}
	for k, v := range w {
		if g[k] != v {
			t.Errorf("flow %+v: got %d bytes, want %d", k, g[k], v)
		}
	}
}

// clientFor returns a client trusting the test server's certificate.
func clientFor(srv *httptest.Server, queue <-chan model.Batch) *Client {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return newTestClient(srv, pool, queue)
}

func newTestClient(srv *httptest.Server, pool *x509.CertPool, queue <-chan model.Batch) *Client {
	cfg := config.ForwardingConfig{
		Address:      strings.TrimPrefix(srv.URL, "https://"),
		Backoff:      50 * time.Millisecond,
		DialTimeout:  2 * time.Second,
		ReplyTimeout: 2 * time.Second,
	}
	return NewClient(cfg, ClientTLSConfig(pool), queue, quietLogger())
}

func runClient(t *testing.T, c *Client, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestEncodeDecodeBatch(t *testing.T) {
	b := testBatch("1000", "2000")
	bad := flowKey("3000")
	bad.Process.Args = "a ~~~ b"
	b.Flows = append(b.Flows, model.FlowCount{Key: bad, Bytes: 1})

	payload, skipped, err := EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}

	var raw []any
	if err := json.Unmarshal(payload, &raw); err != nil || len(raw) != 2 {
		t.Fatalf("payload should be a JSON list of 2 pairs: %s", payload)
	}

	flows, skipped, err := DecodeBatch(payload)
	if err != nil || skipped != 0 {
		t.Fatalf("DecodeBatch: skipped=%d err=%v", skipped, err)
	}
	sameFlows(t, flows, b.Flows[:2])

	flows, skipped, err = DecodeBatch([]byte(`[["sni", 10], ["finish", 2]]`))
	if err != nil || skipped != 2 || len(flows) != 0 {
		t.Errorf("malformed keys should be skipped: flows=%v skipped=%d err=%v", flows, skipped, err)
	}
	if _, _, err := DecodeBatch([]byte(`{"not":"a batch"}`)); err == nil {
		t.Errorf("expected an error for a non-list payload")
	}
}

func TestClient_StrictRequestReply(t *testing.T) {
	var mu sync.Mutex
	var events []string
	var received [][]byte
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Read independently of replying so that a pipelining client would
		// show up as two receives before an ack.
		msgs := make(chan []byte, 8)
		go func() {
			defer close(msgs)
			for {
				_, p, err := conn.ReadMessage()
				if err != nil {
					return
				}
				record("recv")
				msgs <- p
			}
		}()
		for p := range msgs {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			received = append(received, p)
			mu.Unlock()
			record("ack")
			reply, _ := json.Marshal(Ack{Status: StatusOK, Echo: p})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	batches := []model.Batch{testBatch("1"), testBatch("2", "3"), testBatch("4")}
	queue := make(chan model.Batch, len(batches))
	for _, b := range batches {
		queue <- b
	}
	close(queue)

	c := clientFor(srv, queue)
	runClient(t, c, 10*time.Second)

	if c.Delivered() != int64(len(batches)) {
		t.Fatalf("delivered %d batches, want %d", c.Delivered(), len(batches))
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"recv", "ack", "recv", "ack", "recv", "ack"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("send and reply overlapped: %v", events)
	}
	for i, p := range received {
		flows, _, err := DecodeBatch(p)
		if err != nil {
			t.Fatalf("DecodeBatch failed: %v", err)
		}
		sameFlows(t, flows, batches[i].Flows)
	}
}

func TestServer_TagsAndEnqueues(t *testing.T) {
	log := quietLogger()
	var lookups atomic.Int32
	resolver := dns.NewResolver(func(ctx context.Context, ip string) ([]string, error) {
		lookups.Add(1)
		return []string{"collector.test."}, nil
	}, 0, log)

	stored := make(chan model.Batch, 4)
	s := NewServer("127.0.0.1:0", NewHandler(resolver, stored, log), log)
	srv := httptest.NewTLSServer(s.Handler())
	defer srv.Close()

	queue := make(chan model.Batch, 2)
	queue <- testBatch("1000", "2000")
	queue <- testBatch("3000")
	close(queue)

	c := clientFor(srv, queue)
	runClient(t, c, 10*time.Second)

	if c.Delivered() != 2 {
		t.Fatalf("delivered %d batches, want 2", c.Delivered())
	}
	for i, want := range []model.Batch{testBatch("1000", "2000"), testBatch("3000")} {
		select {
		case got := <-stored:
			if got.Sender == nil || got.Sender.IP != "127.0.0.1" || got.Sender.Domain != "collector.test" {
				t.Fatalf("batch %d: unexpected sender %+v", i, got.Sender)
			}
			sameFlows(t, got.Flows, want.Flows)
		default:
			t.Fatalf("batch %d was not enqueued", i)
		}
	}
	if lookups.Load() != 1 {
		t.Errorf("sender address should be resolved once, got %d lookups", lookups.Load())
	}

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestClient_ResendsAfterReconnect(t *testing.T) {
	var attempts atomic.Int32
	var mu sync.Mutex
	var received [][]byte

	upgrader := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := attempts.Add(1)
		for {
			_, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if n == 1 {
				// Drop the first connection without replying.
				return
			}
			mu.Lock()
			received = append(received, p)
			mu.Unlock()
			reply, _ := json.Marshal(Ack{Status: StatusOK, Echo: p})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	queue := make(chan model.Batch, 1)
	queue <- testBatch("1000")
	close(queue)

	c := clientFor(srv, queue)
	runClient(t, c, 10*time.Second)

	if attempts.Load() != 2 {
		t.Errorf("expected one reconnect, got %d connections", attempts.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || c.Delivered() != 1 {
		t.Fatalf("unacknowledged batch should be resent once, received %d", len(received))
	}
}

func TestClient_RejectsUntrustedReceiver(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	queue := make(chan model.Batch, 1)
	queue <- testBatch("1000")

	c := newTestClient(srv, x509.NewCertPool(), queue)
	runClient(t, c, 300*time.Millisecond)

	if c.Delivered() != 0 || hits.Load() != 0 {
		t.Fatalf("client must not talk to a receiver outside its trust anchors")
	}
}

func TestHandler_RejectsGarbage(t *testing.T) {
	log := quietLogger()
	resolver := dns.NewResolver(func(ctx context.Context, ip string) ([]string, error) {
		return nil, nil
	}, 0, log)
	queue := make(chan model.Batch, 1)
	h := NewHandler(resolver, queue, log)

	if ack, err := h.HandleBatch(context.Background(), "10.0.0.5", []byte("not json")); err != nil || ack.Status != StatusError {
		t.Errorf("expected error status, got %q (%v)", ack.Status, err)
	}

	payload, _, _ := EncodeBatch(testBatch("1"))
	ack, err := h.HandleBatch(context.Background(), "10.0.0.5", payload)
	if err != nil || ack.Status != StatusOK || string(ack.Echo) != string(payload) {
		t.Fatalf("unexpected ack %+v", ack)
	}
	got := <-queue
	if got.Sender.Domain != model.None || got.Sender.IP != "10.0.0.5" {
		t.Errorf("unresolvable sender should be tagged with None, got %+v", got.Sender)
	}
}
