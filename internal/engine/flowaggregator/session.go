package flowaggregator

import (
	"Flownix/internal/model"
	"fmt"
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// maxFIN is the close counter value at which the next FIN ends the session.
const maxFIN = 2

// sessionEnd is one (address, port) side of a TCP conversation.
type sessionEnd struct {
	IP   gopacket.Endpoint
	Port gopacket.Endpoint
}

func (e sessionEnd) lessThan(o sessionEnd) bool {
	if e.IP != o.IP {
		return e.IP.LessThan(o.IP)
	}
	return e.Port.LessThan(o.Port)
}

// SessionKey identifies a TCP conversation independent of packet direction:
// the two ends are stored in sorted order.
type SessionKey struct {
	Low       sessionEnd
	High      sessionEnd
	Interface string
}

// NewSessionKey derives the session key of a TCP packet event.
func NewSessionKey(ev *model.PacketEvent) (SessionKey, error) {
	src, err := newSessionEnd(ev.SrcIP, ev.SrcPort)
	if err != nil {
		return SessionKey{}, err
	}
	dst, err := newSessionEnd(ev.DstIP, ev.DstPort)
	if err != nil {
		return SessionKey{}, err
	}
	if dst.lessThan(src) {
		src, dst = dst, src
	}
	return SessionKey{Low: src, High: dst, Interface: ev.Interface}, nil
}

func newSessionEnd(ip, port string) (sessionEnd, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return sessionEnd{}, fmt.Errorf("invalid session address %q", ip)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return sessionEnd{}, fmt.Errorf("invalid session port %q: %w", port, err)
	}
	return sessionEnd{
		IP:   layers.NewIPEndpoint(addr),
		Port: layers.NewTCPPortEndpoint(layers.TCPPort(p)),
	}, nil
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s <-> %s:%s on %s", k.Low.IP, k.Low.Port, k.High.IP, k.High.Port, k.Interface)
}

// sessionState lives across windows until a RST or a third FIN.
type sessionState struct {
	// sni is the sticky server name, empty until a packet carries one.
	sni      string
	finCount int
	// window holds this session's bytes for the current window. Keys are stored
	// without a description; it is resolved from sni when the window is flushed.
	window map[model.FlowKey]uint64
}

func newSessionState() *sessionState {
	return &sessionState{window: make(map[model.FlowKey]uint64)}
}

func (s *sessionState) description() string {
	if s.sni == "" {
		return model.None
	}
	return model.SNIDescription(s.sni)
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	SNI          string
	CloseCounter int
	WindowBytes  uint64
}
