package model

// Aggregator defines the windowed aggregation stage the dispatcher drives.
type Aggregator interface {
	// Process accounts one resolved packet event.
	Process(ev *PacketEvent)

	// Snapshot returns an independent copy of the current window and clears it.
	Snapshot() Batch
}
