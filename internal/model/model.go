package model

import "time"

// None is the literal stored for any field that has no value. It keeps absent
// data comparable across writes, so it is used instead of empty strings.
const None = "None"

// Direction is the capture direction of a packet relative to the host.
type Direction string

const (
	DirectionIn  Direction = "In"
	DirectionOut Direction = "Out"
)

// NetworkProto is the network layer family as printed by the capture tool.
type NetworkProto string

const (
	NetworkIPv4 NetworkProto = "IP"
	NetworkIPv6 NetworkProto = "IP6"
	NetworkARP  NetworkProto = "ARP"
)

// TransportProto is the transport layer protocol as printed by the capture tool.
type TransportProto string

const (
	TransportTCP    TransportProto = "TCP"
	TransportUDP    TransportProto = "UDP"
	TransportICMPv4 TransportProto = "ICMPv4"
	TransportICMPv6 TransportProto = "ICMPv6"
	TransportNone   TransportProto = None
)

// ProcessInfo identifies the process (or its parent) that owns a packet.
type ProcessInfo struct {
	PID  int
	Cmd  string
	Args string
}

// PacketEvent holds the fields extracted from a single capture line.
// Optional values carry None rather than being empty.
type PacketEvent struct {
	Interface string
	Direction Direction
	Network   NetworkProto
	Transport TransportProto
	ToS       string

	SrcIP   string
	DstIP   string
	SrcPort string
	DstPort string

	// SrcDomain and DstDomain are filled in by the resolver after parsing.
	SrcDomain string
	DstDomain string

	// Flags is the raw TCP flag token, e.g. "S." or "R"; None when not TCP.
	Flags  string
	Length uint64

	Process *ProcessInfo
	Parent  *ProcessInfo

	SNI          string
	ARPTarget    string
	ARPTargetMAC string
}

// HasFlag reports whether the raw TCP flag token contains flag.
func (e *PacketEvent) HasFlag(flag byte) bool {
	if e.Flags == None {
		return false
	}
	for i := 0; i < len(e.Flags); i++ {
		if e.Flags[i] == flag {
			return true
		}
	}
	return false
}

// Description returns the free-form description column for the event.
func (e *PacketEvent) Description() string {
	switch {
	case e.SNI != None && e.SNI != "":
		return SNIDescription(e.SNI)
	case e.ARPTarget != None && e.ARPTarget != "" && e.ARPTargetMAC != None && e.ARPTargetMAC != "":
		return "target_ip: " + e.ARPTarget + ", target_mac: " + e.ARPTargetMAC
	case e.ARPTarget != None && e.ARPTarget != "":
		return "target_ip: " + e.ARPTarget
	}
	return None
}

// SNIDescription formats a TLS server name as a description value.
func SNIDescription(sni string) string {
	return "sni: " + sni
}

// FlowKey returns the flow identity of the event with the given description.
func (e *PacketEvent) FlowKey(description string) FlowKey {
	return FlowKey{
		Src:            Endpoint{Domain: orNone(e.SrcDomain), IP: orNone(e.SrcIP), Port: orNone(e.SrcPort)},
		Dst:            Endpoint{Domain: orNone(e.DstDomain), IP: orNone(e.DstIP), Port: orNone(e.DstPort)},
		Interface:      e.Interface,
		Direction:      string(e.Direction),
		NetworkProto:   string(e.Network),
		TransportProto: string(e.Transport),
		ToS:            orNone(e.ToS),
		Description:    description,
		Process:        processColumns(e.Process),
		Parent:         processColumns(e.Parent),
	}
}

func processColumns(p *ProcessInfo) Process {
	if p == nil {
		return Process{Name: None, Cmd: None, Args: None}
	}
	return Process{Name: ProcessName(p.Cmd), Cmd: p.Cmd, Args: p.Args}
}

// ProcessName strips any path prefix from a command, keeping the final segment.
func ProcessName(cmd string) string {
	for i := len(cmd) - 1; i >= 0; i-- {
		if cmd[i] == '/' {
			return cmd[i+1:]
		}
	}
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return None
	}
	return s
}

// Sender identifies the collector a receiver-side batch came from.
type Sender struct {
	Domain string
	IP     string
}

// FlowCount is one aggregated (flow, bytes) pair of a flush batch.
type FlowCount struct {
	Key   FlowKey
	Bytes uint64
}

// Batch is the unit handed from the dispatcher to storage and forwarding.
// Sender is nil for locally captured batches.
type Batch struct {
	Sender *Sender
	Flows  []FlowCount
}

// Clone returns an independent copy of the batch.
func (b Batch) Clone() Batch {
	out := Batch{Flows: make([]FlowCount, len(b.Flows))}
	copy(out.Flows, b.Flows)
	if b.Sender != nil {
		s := *b.Sender
		out.Sender = &s
	}
	return out
}

// TotalBytes sums the byte counts of the batch.
func (b Batch) TotalBytes() uint64 {
	var n uint64
	for _, f := range b.Flows {
		n += f.Bytes
	}
	return n
}

// TrafficRecord is a durable row: the flow columns plus accumulated bytes.
type TrafficRecord struct {
	Sender      *Sender
	Key         FlowKey
	TotalLength uint64
	LastUpdated time.Time
}
