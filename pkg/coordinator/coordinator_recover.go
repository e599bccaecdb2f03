package coordinator

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
)

// Recover closes out what a previous run left in the metadata store. The
// file table, blob refcounts, provider reservations, deals and escrow
// balances are held in memory, so after a restart the persisted file records
// and active deals refer to nothing: their blobs are deleted, files are
// recorded as deleted and deals as voided. Call it once before serving.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.meta == nil || c.bus == nil {
		return nil
	}

	files, err := c.meta.LiveFiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load file records: %w", err)
	}
	deals, err := c.meta.OpenDeals(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deal records: %w", err)
	}

	var errs error
	pruned := 0
	for _, f := range files {
		for _, hash := range lo.Uniq(f.ChunkHashes) {
			if c.blobHeld(hash) {
				continue
			}
			key, err := cid.Decode(hash)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("file %s: invalid chunk hash %q: %w", f.ID, hash, err))
				continue
			}
			if err := c.blobs.Delete(ctx, key); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to delete chunk %s: %w", hash, err))
				continue
			}
			pruned++
		}
		c.publish(ctx, events.Event{
			Type:     events.FileDeleted,
			FileID:   f.ID,
			Uploader: f.Uploader,
		})
	}

	for _, d := range deals {
		c.publish(ctx, events.Event{
			Type:       events.DealVoided,
			DealID:     d.ID,
			ProviderID: d.ProviderID,
			Renter:     d.Renter,
		})
	}

	if len(files) > 0 || len(deals) > 0 {
		c.logger.Warn("Closed records left by a previous run",
			zap.Int("files", len(files)),
			zap.Int("deals", len(deals)),
			zap.Int("blobs_deleted", pruned))
	}
	return errs
}

func (c *Coordinator) blobHeld(hash string) bool {
	c.fileMutex.RLock()
	defer c.fileMutex.RUnlock()
	return c.blobRefs[hash] > 0
}
