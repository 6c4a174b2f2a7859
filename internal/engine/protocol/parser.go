package protocol

import (
	"Flownix/internal/model"
	"net"
	"regexp"
	"strconv"
)

// Patterns for the one-line verbose output of the capture tool.
var (
	prefixRe = regexp.MustCompile(`^(?P<interface>\S+)\s(?P<direction>In|Out)\s(?P<network_proto>[^,\s]+)`)

	tosRe        = regexp.MustCompile(`tos\s(\S+),`)
	transProtoRe = regexp.MustCompile(`proto\s(\S+)\s`)
	lengthRe     = regexp.MustCompile(`length\s(\d+)`)

	ipRe         = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)\s>\s(\d+\.\d+\.\d+\.\d+):`)
	ipPortRe     = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)\.(\d+)\s>\s(\d+\.\d+\.\d+\.\d+)\.(\d+):`)
	ipPortFlagRe = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)\.(\d+)\s>\s(\d+\.\d+\.\d+\.\d+)\.(\d+):\sFlags\s\[(?P<flag>[^\]]+)\]`)

	transProtoV6Re = regexp.MustCompile(`next-header\s(\S+)\s`)
	lengthV6Re     = regexp.MustCompile(`length:\s(\d+)`)
	ipV6Re         = regexp.MustCompile(`([0-9a-fA-F:]+)\s>\s([0-9a-fA-F:]+):`)
	ipPortV6Re     = regexp.MustCompile(`([0-9a-fA-F:]+)\.(\d+)\s>\s([0-9a-fA-F:]+)\.(\d+):`)
	ipPortFlagV6Re = regexp.MustCompile(`([0-9a-fA-F:]+)\.(\d+)\s>\s([0-9a-fA-F:]+)\.(\d+):\sFlags\s\[(?P<flag>[^\]]+)\]`)

	arpRequestRe = regexp.MustCompile(`who-has\s(\d+\.\d+\.\d+\.\d+)\stell\s(\d+\.\d+\.\d+\.\d+),`)
	arpReplyRe   = regexp.MustCompile(`Reply\s(\d+\.\d+\.\d+\.\d+)\sis-at\s([0-9a-fA-F]{2}(?::[0-9a-fA-F]{2}){5}),`)

	processRe       = regexp.MustCompile(`Process\s\(pid\s(\d+),\scmd\s([^,]*),\sargs\s([^,]*)\),`)
	parentProcessRe = regexp.MustCompile(`ParentProc\s\(pid\s(\d+),\scmd\s([^,]*),\sargs\s([^,]*)\)`)
	sniRe           = regexp.MustCompile(`SNI=(\S+)\)`)
)

// addressing selects the IPv4 or IPv6 flavor of the endpoint patterns.
type addressing struct {
	ip         *regexp.Regexp
	ipPort     *regexp.Regexp
	ipPortFlag *regexp.Regexp

	icmp       model.TransportProto
	icmpTokens []string
}

var (
	v4 = addressing{
		ip: ipRe, ipPort: ipPortRe, ipPortFlag: ipPortFlagRe,
		icmp: model.TransportICMPv4, icmpTokens: []string{"ICMP", "ICMPv4"},
	}
	v6 = addressing{
		ip: ipV6Re, ipPort: ipPortV6Re, ipPortFlag: ipPortFlagV6Re,
		icmp: model.TransportICMPv6, icmpTokens: []string{"ICMPv6", "ICMP6"},
	}
)

func (a addressing) isICMP(token string) bool {
	for _, t := range a.icmpTokens {
		if t == token {
			return true
		}
	}
	return false
}

// ParseLine converts one capture line into a packet event. The boolean is false
// when the line does not match any supported protocol family; such lines are
// not errors and are simply dropped by the caller.
func ParseLine(line string) (model.PacketEvent, bool) {
	m := prefixRe.FindStringSubmatch(line)
	if m == nil {
		return model.PacketEvent{}, false
	}

	ev := model.PacketEvent{
		Interface: m[1],
		Direction: model.Direction(m[2]),
		Network:   model.NetworkProto(m[3]),
		Transport: model.TransportNone,
		ToS:       model.None,
		SrcIP:     model.None,
		DstIP:     model.None,
		SrcPort:   model.None,
		DstPort:   model.None,
		Flags:     model.None,
		SNI:       model.None,

		ARPTarget:    model.None,
		ARPTargetMAC: model.None,
	}

	var ok bool
	switch ev.Network {
	case model.NetworkIPv4:
		ok = parseIPv4(line, &ev)
	case model.NetworkIPv6:
		ok = parseIPv6(line, &ev)
	case model.NetworkARP:
		ok = parseARP(line, &ev)
	}
	if !ok {
		return model.PacketEvent{}, false
	}
	return ev, true
}

func parseIPv4(line string, ev *model.PacketEvent) bool {
	if m := tosRe.FindStringSubmatch(line); m != nil {
		ev.ToS = m[1]
	}
	m := transProtoRe.FindStringSubmatch(line)
	if m == nil || !parseLength(lengthRe, line, ev) {
		return false
	}
	return parseTransport(line, m[1], v4, ev)
}

func parseIPv6(line string, ev *model.PacketEvent) bool {
	m := transProtoV6Re.FindStringSubmatch(line)
	if m == nil || !parseLength(lengthV6Re, line, ev) {
		return false
	}
	return parseTransport(line, m[1], v6, ev)
}

func parseTransport(line, token string, addr addressing, ev *model.PacketEvent) bool {
	switch token {
	case "TCP":
		ev.Transport = model.TransportTCP
		m := addr.ipPortFlag.FindStringSubmatch(line)
		if m == nil || !setEndpoints(ev, m[1], m[2], m[3], m[4]) {
			return false
		}
		ev.Flags = m[5]
		parseProcesses(line, ev)
		if s := sniRe.FindStringSubmatch(line); s != nil {
			ev.SNI = s[1]
		}
		return true

	case "UDP":
		ev.Transport = model.TransportUDP
		m := addr.ipPort.FindStringSubmatch(line)
		if m == nil || !setEndpoints(ev, m[1], m[2], m[3], m[4]) {
			return false
		}
		parseProcesses(line, ev)
		return true

	default:
		if !addr.isICMP(token) {
			return false
		}
		ev.Transport = addr.icmp
		m := addr.ip.FindStringSubmatch(line)
		if m == nil || !validIP(m[1]) || !validIP(m[2]) {
			return false
		}
		ev.SrcIP, ev.DstIP = m[1], m[2]
		return true
	}
}

func parseARP(line string, ev *model.PacketEvent) bool {
	if !parseLength(lengthRe, line, ev) {
		return false
	}
	if m := arpRequestRe.FindStringSubmatch(line); m != nil {
		ev.ARPTarget = m[1]
		ev.SrcIP = m[2]
		return true
	}
	if m := arpReplyRe.FindStringSubmatch(line); m != nil {
		if _, err := net.ParseMAC(m[2]); err != nil {
			return false
		}
		ev.ARPTarget = m[1]
		ev.ARPTargetMAC = m[2]
		return true
	}
	return false
}

func parseLength(re *regexp.Regexp, line string, ev *model.PacketEvent) bool {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return false
	}
	ev.Length = n
	return true
}

func setEndpoints(ev *model.PacketEvent, srcIP, srcPort, dstIP, dstPort string) bool {
	if !validIP(srcIP) || !validIP(dstIP) || !validPort(srcPort) || !validPort(dstPort) {
		return false
	}
	ev.SrcIP, ev.SrcPort = srcIP, srcPort
	ev.DstIP, ev.DstPort = dstIP, dstPort
	return true
}

func parseProcesses(line string, ev *model.PacketEvent) {
	if m := processRe.FindStringSubmatch(line); m != nil {
		ev.Process = processInfo(m)
	}
	if m := parentProcessRe.FindStringSubmatch(line); m != nil {
		ev.Parent = processInfo(m)
	}
}

// processInfo returns nil for a pid that does not fit, leaving the columns None.
func processInfo(m []string) *model.ProcessInfo {
	pid, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return nil
	}
	return &model.ProcessInfo{PID: int(pid), Cmd: m[2], Args: m[3]}
}

func validIP(s string) bool {
	return net.ParseIP(s) != nil
}

func validPort(s string) bool {
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}
