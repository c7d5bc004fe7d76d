package engine

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// StartReaper runs the deletion reaper until ctx is cancelled. The reaper
// never consults live parquet_path pointers; the grace interval between
// swap and delete_after is the sole guard against deleting a snapshot a
// reader still holds.
func (e *Engine) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.ReapOnce(ctx); err != nil {
					e.logger.Sugar().Warnw("reaper pass failed", "err", err)
				}
			}
		}
	}()
}

// ReapOnce drains the due entries of the pending-deletions queue. A storage
// failure leaves the row enqueued for the next pass (at-least-once).
func (e *Engine) ReapOnce(ctx context.Context) error {
	due, err := e.catalog.GetDueDeletions(ctx)
	if err != nil {
		return err
	}
	log := e.logger.Sugar()
	for _, d := range due {
		err := retry.Do(func() error {
			return e.storage.DeletePrefix(ctx, d.Path)
		}, retry.Attempts(3), retry.Context(ctx))
		if err != nil {
			log.Warnw("delete expired snapshot failed", "path", d.Path, "err", err)
			continue
		}
		if err := e.catalog.RemovePendingDeletion(ctx, d.ID); err != nil {
			log.Warnw("dequeue pending deletion failed", "id", d.ID, "err", err)
			continue
		}
		log.Infow("expired snapshot deleted", "path", d.Path)
	}
	return nil
}
