package model

import (
	"context"
	"time"
)

// TrafficStore is a durable table of TrafficRecord rows with additive upserts.
//
// Upsert stages a write in the current transaction; nothing is durable until
// Commit. Implementations are not safe for concurrent use, they are owned by a
// single storage writer.
type TrafficStore interface {
	// Upsert adds bytes to the record for (sender, key), creating it if needed,
	// and sets its last_updated time to at.
	Upsert(ctx context.Context, sender *Sender, key FlowKey, bytes uint64, at time.Time) error
	// Commit makes all staged upserts durable.
	Commit(ctx context.Context) error
	// Records reads back every committed row.
	Records(ctx context.Context) ([]TrafficRecord, error)
	Close() error
}

// DNSTable persists the resolver cache, keyed by IP.
type DNSTable interface {
	LoadDNS(ctx context.Context) (map[string]string, error)
	SaveDNS(ctx context.Context, entries map[string]string) error
}

// Store is a traffic table together with its DNS table, as opened by the
// storage factory.
type Store interface {
	TrafficStore
	DNSTable
}
