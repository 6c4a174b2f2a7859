package flowaggregator

import (
	"Flownix/internal/model"
	"sync"

	"github.com/sirupsen/logrus"
)

// Aggregator accumulates per-window byte counts keyed by flow. TCP traffic is
// tracked per session so that the sticky SNI and the FIN/RST lifecycle apply;
// everything else goes straight into the window map.
type Aggregator struct {
	mu       sync.Mutex
	window   map[model.FlowKey]uint64
	sessions map[SessionKey]*sessionState
	log      logrus.FieldLogger
}

var _ model.Aggregator = (*Aggregator)(nil)

// NewAggregator creates an empty aggregator.
func NewAggregator(log logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		window:   make(map[model.FlowKey]uint64),
		sessions: make(map[SessionKey]*sessionState),
		log:      log.WithField("component", "aggregator"),
	}
}

// Process accounts one packet event. Byte accounting happens before the
// session transition, so a RST or final FIN also discards its own bytes.
func (a *Aggregator) Process(ev *model.PacketEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Transport != model.TransportTCP {
		a.window[ev.FlowKey(ev.Description())] += ev.Length
		return
	}

	key, err := NewSessionKey(ev)
	if err != nil {
		a.log.WithError(err).Warn("Dropping TCP packet without a valid session key")
		return
	}

	st, ok := a.sessions[key]
	if !ok {
		st = newSessionState()
		a.sessions[key] = st
	}
	if ev.SNI != model.None && ev.SNI != "" {
		st.sni = ev.SNI
	}
	st.window[ev.FlowKey("")] += ev.Length

	switch {
	case ev.HasFlag('R'):
		delete(a.sessions, key)
	case ev.HasFlag('F'):
		if st.finCount == maxFIN {
			delete(a.sessions, key)
		} else {
			st.finCount++
		}
	}
}

// Snapshot returns the current window as a batch and clears the window state.
// Live sessions keep their sticky SNI and close counter.
func (a *Aggregator) Snapshot() model.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.window)
	for _, st := range a.sessions {
		n += len(st.window)
	}
	flows := make([]model.FlowCount, 0, n)

	for k, v := range a.window {
		flows = append(flows, model.FlowCount{Key: k, Bytes: v})
	}
	a.window = make(map[model.FlowKey]uint64)

	for _, st := range a.sessions {
		if len(st.window) == 0 {
			continue
		}
		desc := st.description()
		for k, v := range st.window {
			k.Description = desc
			flows = append(flows, model.FlowCount{Key: k, Bytes: v})
		}
		st.window = make(map[model.FlowKey]uint64)
	}

	return model.Batch{Flows: flows}
}

// Session returns the state of a live session.
func (a *Aggregator) Session(key SessionKey) (SessionInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[key]
	if !ok {
		return SessionInfo{}, false
	}
	info := SessionInfo{SNI: st.sni, CloseCounter: st.finCount}
	for _, v := range st.window {
		info.WindowBytes += v
	}
	return info, true
}

// SessionCount returns the number of live sessions.
func (a *Aggregator) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
