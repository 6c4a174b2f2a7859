package storage

import (
	"Flownix/internal/model"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Writer drains flush batches into a TrafficStore, committing once every
// commitEvery consumed batches so that a crash loses at most one group.
type Writer struct {
	store       model.TrafficStore
	commitEvery int
	now         func() time.Time
	log         logrus.FieldLogger

	pending int
}

// NewWriter creates a storage writer for store.
func NewWriter(store model.TrafficStore, commitEvery int, log logrus.FieldLogger) *Writer {
	if commitEvery <= 0 {
		commitEvery = 5
	}
	return &Writer{
		store:       store,
		commitEvery: commitEvery,
		now:         time.Now,
		log:         log.WithField("component", "storage-writer"),
	}
}

// Run consumes queue until it is closed or ctx is done, then commits whatever
// is still pending. Failed rows are logged and skipped.
func (w *Writer) Run(ctx context.Context, queue <-chan model.Batch) error {
	w.log.Infof("Storage writer started, committing every %d batches", w.commitEvery)
	for {
		select {
		case batch, ok := <-queue:
			if !ok {
				return w.finish(ctx)
			}
			w.write(ctx, batch)
		case <-ctx.Done():
			return w.finish(context.WithoutCancel(ctx))
		}
	}
}

func (w *Writer) write(ctx context.Context, batch model.Batch) {
	at := w.now()
	written := 0
	for _, f := range batch.Flows {
		if err := w.store.Upsert(ctx, batch.Sender, f.Key, f.Bytes, at); err != nil {
			w.log.WithError(err).WithField("flow", f.Key).Error("Failed to upsert flow, skipping")
			continue
		}
		written++
	}

	entry := w.log.WithField("flows", written)
	if batch.Sender != nil {
		entry = entry.WithField("sender_ip", batch.Sender.IP)
	}
	entry.Debug("Staged batch")

	w.pending++
	if w.pending >= w.commitEvery {
		w.commit(ctx)
	}
}

func (w *Writer) commit(ctx context.Context) {
	if err := w.store.Commit(ctx); err != nil {
		w.log.WithError(err).Errorf("Failed to commit %d batches", w.pending)
	} else {
		w.log.Debugf("Committed %d batches", w.pending)
	}
	w.pending = 0
}

func (w *Writer) finish(ctx context.Context) error {
	err := w.store.Commit(ctx)
	if err != nil {
		w.log.WithError(err).Error("Final commit failed")
	}
	w.pending = 0
	w.log.Info("Storage writer stopped")
	return err
}
