package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// FieldSeparator joins the fields of one group in an encoded key.
	FieldSeparator = " ~~ "
	// GroupSeparator joins the groups of an encoded key.
	GroupSeparator = " ~~~ "
)

// ErrMalformedKey is returned when a key cannot be encoded or decoded unambiguously.
var ErrMalformedKey = errors.New("malformed flow key")

// Endpoint is one side of a flow.
type Endpoint struct {
	Domain string
	IP     string
	Port   string
}

// Process is the process triple stored with a flow.
type Process struct {
	Name string
	Cmd  string
	Args string
}

// FlowKey is the identity of a flow. It is comparable and is used directly as a map key.
type FlowKey struct {
	Src            Endpoint
	Dst            Endpoint
	Interface      string
	Direction      string
	NetworkProto   string
	TransportProto string
	ToS            string
	Description    string
	Process        Process
	Parent         Process
}

// FlowColumns lists the storage column names in key order.
var FlowColumns = []string{
	"src_domain", "src_ip", "src_port",
	"dst_domain", "dst_ip", "dst_port",
	"interface", "direction", "network_proto", "trans_proto", "tos", "desc",
	"process_name", "process_cmd", "process_arg",
	"parent_process_name", "parent_process_cmd", "parent_process_arg",
}

// SenderColumns are prepended to FlowColumns in receiver tables.
var SenderColumns = []string{"sender_domain", "sender_ip"}

// groupSizes is the number of fields in each encoded group, in order.
var groupSizes = []int{3, 3, 6, 3, 3}

// Fields returns the key values in FlowColumns order.
func (k FlowKey) Fields() []string {
	return []string{
		k.Src.Domain, k.Src.IP, k.Src.Port,
		k.Dst.Domain, k.Dst.IP, k.Dst.Port,
		k.Interface, k.Direction, k.NetworkProto, k.TransportProto, k.ToS, k.Description,
		k.Process.Name, k.Process.Cmd, k.Process.Args,
		k.Parent.Name, k.Parent.Cmd, k.Parent.Args,
	}
}

// FlowKeyFromFields is the inverse of Fields.
func FlowKeyFromFields(f []string) (FlowKey, error) {
	if len(f) != len(FlowColumns) {
		return FlowKey{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedKey, len(FlowColumns), len(f))
	}
	return FlowKey{
		Src:            Endpoint{Domain: f[0], IP: f[1], Port: f[2]},
		Dst:            Endpoint{Domain: f[3], IP: f[4], Port: f[5]},
		Interface:      f[6],
		Direction:      f[7],
		NetworkProto:   f[8],
		TransportProto: f[9],
		ToS:            f[10],
		Description:    f[11],
		Process:        Process{Name: f[12], Cmd: f[13], Args: f[14]},
		Parent:         Process{Name: f[15], Cmd: f[16], Args: f[17]},
	}, nil
}

// EncodeFlowKey serializes a key into its wire string. Keys whose values would
// not decode back to the same key are rejected with ErrMalformedKey.
func EncodeFlowKey(k FlowKey) (string, error) {
	fields := k.Fields()
	groups := make([]string, 0, len(groupSizes))
	i := 0
	for _, n := range groupSizes {
		groups = append(groups, strings.Join(fields[i:i+n], FieldSeparator))
		i += n
	}
	s := strings.Join(groups, GroupSeparator)

	back, err := DecodeFlowKey(s)
	if err != nil || back != k {
		return "", fmt.Errorf("%w: a value contains a separator sequence", ErrMalformedKey)
	}
	return s, nil
}

// DecodeFlowKey parses a wire string produced by EncodeFlowKey.
func DecodeFlowKey(s string) (FlowKey, error) {
	groups := strings.Split(s, GroupSeparator)
	if len(groups) != len(groupSizes) {
		return FlowKey{}, fmt.Errorf("%w: expected %d groups, got %d", ErrMalformedKey, len(groupSizes), len(groups))
	}
	fields := make([]string, 0, len(FlowColumns))
	for i, g := range groups {
		parts := strings.Split(g, FieldSeparator)
		if len(parts) != groupSizes[i] {
			return FlowKey{}, fmt.Errorf("%w: group %d has %d fields, want %d", ErrMalformedKey, i, len(parts), groupSizes[i])
		}
		fields = append(fields, parts...)
	}
	return FlowKeyFromFields(fields)
}
