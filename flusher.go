package main

import (
	"context"
	"sync"
	"time"
)

const (
	transferQueueSize = 4096
	maxFlushBatch     = 1024
)

// transfer is the accounting record of one announce, after freeleech rules.
type transfer struct {
	UserID     uint32
	TorrentID  uint32
	Uploaded   uint64
	Downloaded uint64
	Snatched   bool
}

// transferSink receives accounting records. record must not block the
// announce path.
type transferSink interface {
	record(t transfer)
}

type discardSink struct{}

func (discardSink) record(transfer) {}

// transferStore persists a batch of transfers in one transaction.
type transferStore interface {
	RecordTransfers(batch []transfer) error
}

// flusher batches transfers and writes them every flush_interval or when a
// batch is full.
type flusher struct {
	store    transferStore
	queue    chan transfer
	interval func() time.Duration
	wg       sync.WaitGroup
}

func newFlusher(store transferStore, interval func() time.Duration) *flusher {
	return &flusher{
		store:    store,
		queue:    make(chan transfer, transferQueueSize),
		interval: interval,
	}
}

func (f *flusher) record(t transfer) {
	select {
	case f.queue <- t:
	default:
		warn("transfer queue full, dropping record for user %d", t.UserID)
	}
}

// start runs the flush loop until ctx is canceled. Pending records are
// written before the loop exits.
func (f *flusher) start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		batch := make([]transfer, 0, maxFlushBatch)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := f.store.RecordTransfers(batch); err != nil {
				errorLog("cannot flush %d transfers: %v", len(batch), err)
			} else {
				debug("flushed %d transfers", len(batch))
			}
			batch = batch[:0]
		}

		timer := time.NewTimer(f.interval())
		defer timer.Stop()

		for {
			select {
			case t := <-f.queue:
				batch = append(batch, t)
				if len(batch) == maxFlushBatch {
					flush()
				}
			case <-timer.C:
				flush()
				timer.Reset(f.interval())
			case <-ctx.Done():
				for {
					select {
					case t := <-f.queue:
						batch = append(batch, t)
						if len(batch) == maxFlushBatch {
							flush()
						}
					default:
						flush()
						return
					}
				}
			}
		}
	}()
}

// wait blocks until the flush loop has written its last batch.
func (f *flusher) wait() {
	f.wg.Wait()
}
