package manager

import (
	"Flownix/internal/dns"
	"Flownix/internal/engine/protocol"
	"Flownix/internal/model"
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Queues are the consumers a flushed window is handed to. Forward is nil
// when forwarding is disabled.
type Queues struct {
	Store   chan<- model.Batch
	Forward chan<- model.Batch
}

// Stats counts what the dispatcher has seen so far.
type Stats struct {
	Lines    uint64
	Unparsed uint64
	Windows  uint64
	Dropped  uint64
}

// Manager drives the capture pipeline: it parses capture lines, resolves
// addresses, feeds the aggregator and flushes it once per window.
type Manager struct {
	resolver *dns.Resolver
	agg      model.Aggregator
	queues   Queues
	window   time.Duration
	log      logrus.FieldLogger

	lines    atomic.Uint64
	unparsed atomic.Uint64
	windows  atomic.Uint64
	dropped  atomic.Uint64
}

// NewManager creates a new Manager.
func NewManager(resolver *dns.Resolver, agg model.Aggregator, queues Queues, window time.Duration, log logrus.FieldLogger) *Manager {
	return &Manager{
		resolver: resolver,
		agg:      agg,
		queues:   queues,
		window:   window,
		log:      log.WithField("component", "manager"),
	}
}

// Run consumes lines until the channel is closed or ctx is done. When the
// capture stream ends the last window is flushed; on cancellation it is dropped.
func (m *Manager) Run(ctx context.Context, lines <-chan string) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()
	m.log.Infof("Manager started with a %s window", m.window)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Manager cancelled, partial window discarded")
			return
		case line, ok := <-lines:
			if !ok {
				m.log.Info("Capture stream ended, flushing last window")
				m.flush(ctx)
				return
			}
			m.handleLine(ctx, line)
		case <-ticker.C:
			m.flush(ctx)
		}
	}
}

func (m *Manager) handleLine(ctx context.Context, line string) {
	m.lines.Add(1)
	ev, ok := protocol.ParseLine(line)
	if !ok {
		m.unparsed.Add(1)
		m.log.WithField("line", line).Debug("Unparsed capture line")
		return
	}
	ev.SrcDomain = m.resolver.Lookup(ctx, ev.SrcIP).Domain()
	ev.DstDomain = m.resolver.Lookup(ctx, ev.DstIP).Domain()
	m.agg.Process(&ev)
}

// flush snapshots the window and hands it to storage, then to forwarding.
// The storage queue applies backpressure; a full forward queue drops the copy.
func (m *Manager) flush(ctx context.Context) {
	batch := m.agg.Snapshot()
	if len(batch.Flows) == 0 {
		return
	}
	m.windows.Add(1)
	log := m.log.WithFields(logrus.Fields{"flows": len(batch.Flows), "bytes": batch.TotalBytes()})

	var forward model.Batch
	if m.queues.Forward != nil {
		forward = batch.Clone()
	}

	select {
	case m.queues.Store <- batch:
	case <-ctx.Done():
		m.dropped.Add(1)
		log.Warn("Shutting down, window not stored")
		return
	}

	if m.queues.Forward != nil {
		select {
		case m.queues.Forward <- forward:
		default:
			m.dropped.Add(1)
			log.Warn("Forward queue full, window not forwarded")
		}
	}
	log.Debug("Window flushed")
}

// Stats returns a snapshot of the dispatcher counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Lines:    m.lines.Load(),
		Unparsed: m.unparsed.Load(),
		Windows:  m.windows.Load(),
		Dropped:  m.dropped.Load(),
	}
}
