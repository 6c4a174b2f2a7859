package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server accepts collector connections and hands every message to a Handler.
// Each connection is served by its own goroutine and replies to each message
// before reading the next one.
type Server struct {
	handler  *Handler
	upgrader websocket.Upgrader
	srv      *http.Server
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, handler *Handler, log logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler: handler,
		log:     log.WithField("component", "forward-server"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*websocket.Conn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.serveWS)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler returns the HTTP handler, for serving on an existing listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServeTLS blocks serving TLS with the given certificate and key.
// It returns nil after Shutdown.
func (s *Server) ListenAndServeTLS(certPath, keyPath string) error {
	s.log.Infof("Receiver listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServeTLS(certPath, keyPath)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their goroutines to return.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.cancel()

	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	senderIP := remoteIP(r.RemoteAddr)
	log := s.log.WithFields(logrus.Fields{"conn_id": uuid.NewString(), "sender_ip": senderIP})
	log.Info("Collector connected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Collector disconnected")
			} else {
				log.WithError(err).Warn("Connection closed")
			}
			return
		}

		ack, err := s.handler.HandleBatch(s.ctx, senderIP, payload)
		if err != nil {
			log.WithError(err).Warn("Closing connection without acknowledgement")
			return
		}
		reply, err := json.Marshal(ack)
		if err != nil {
			log.WithError(err).Error("Failed to encode acknowledgement")
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			log.WithError(err).Warn("Failed to send acknowledgement")
			return
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
