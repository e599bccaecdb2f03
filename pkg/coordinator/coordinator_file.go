package coordinator

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/placement"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type fileEntry struct {
	file       types.File
	chunks     []types.Chunk
	descs      []storage.ChunkDescriptor
	assignment *placement.Assignment
}

// UploadFile chunks r, stores every chunk in the blob store and places the
// chunks across providers. Nothing is reserved unless the whole file places.
func (c *Coordinator) UploadFile(ctx context.Context, uploader types.Address, name string, r io.Reader) (types.File, error) {
	const op = "upload file"
	if uploader == "" {
		return types.File{}, types.NewError(types.KindValidation, op, "uploader address is required")
	}

	fileID := types.FileID(uuid.NewString())
	var descs []storage.ChunkDescriptor
	err := storage.Walk(ctx, r, c.cfg.ChunkSize, func(desc storage.ChunkDescriptor, data []byte) error {
		c.retainBlob(desc.ContentHash)
		descs = append(descs, desc)
		if _, err := c.blobs.Put(ctx, data); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", desc.Index, err)
		}
		return nil
	})
	if err != nil {
		c.releaseBlobs(ctx, descs)
		return types.File{}, err
	}

	manifest, err := storage.ManifestHash(descs)
	if err != nil {
		c.releaseBlobs(ctx, descs)
		return types.File{}, err
	}
	c.fileMutex.Lock()
	if existing, ok := c.manifests[manifest]; ok {
		c.fileMutex.Unlock()
		c.releaseBlobs(ctx, descs)
		return types.File{}, types.Errorf(types.KindDuplicate, op, "content already stored as file %s", existing)
	}
	// Claim the manifest before placing so concurrent uploads of the same
	// content cannot both reserve capacity.
	c.manifests[manifest] = fileID
	c.fileMutex.Unlock()

	now := c.clock.Now()
	chunks := make([]types.Chunk, len(descs))
	for i, desc := range descs {
		chunks[i] = types.Chunk{
			ID:          types.ChunkID(fmt.Sprintf("%s/%d", fileID, desc.Index)),
			FileID:      fileID,
			Index:       desc.Index,
			ContentHash: desc.ContentHash,
			SizeBytes:   desc.Size,
			CreatedAt:   now,
		}
	}

	assignment, err := c.scheduler.Place(ctx, chunks, c.cfg.Redundancy, c.cfg.MinDistinctProviders)
	if err != nil {
		c.fileMutex.Lock()
		delete(c.manifests, manifest)
		c.fileMutex.Unlock()
		c.releaseBlobs(ctx, descs)
		return types.File{}, err
	}
	for i := range chunks {
		chunks[i].AssignedProviderIDs = assignment.Chunks[chunks[i].ID]
	}

	entry := &fileEntry{
		file: types.File{
			ID:           fileID,
			Name:         name,
			TotalSize:    storage.TotalSize(descs),
			ChunkIDs:     lo.Map(chunks, func(ch types.Chunk, _ int) types.ChunkID { return ch.ID }),
			ManifestHash: manifest,
			UploaderID:   uploader,
			CreatedAt:    now,
			IsActive:     true,
		},
		chunks:     chunks,
		descs:      descs,
		assignment: assignment,
	}

	c.fileMutex.Lock()
	c.files[fileID] = entry
	c.fileMutex.Unlock()

	c.logger.Info("File uploaded",
		zap.String("file_id", string(fileID)),
		zap.String("name", name),
		zap.String("uploader", string(uploader)),
		zap.Int64("size", entry.file.TotalSize),
		zap.Int("chunks", len(chunks)),
		zap.Int("providers", len(assignment.Providers)))

	c.publish(ctx, events.Event{
		Type:        events.FileRecorded,
		FileID:      fileID,
		Uploader:    uploader,
		FileSize:    entry.file.TotalSize,
		ChunkHashes: lo.Map(descs, func(d storage.ChunkDescriptor, _ int) string { return d.ContentHash }),
	})

	return entry.file, nil
}

// DownloadFile writes the file's content to w, verifying every chunk.
func (c *Coordinator) DownloadFile(ctx context.Context, id types.FileID, w io.Writer) (int64, error) {
	c.fileMutex.RLock()
	entry, ok := c.files[id]
	c.fileMutex.RUnlock()
	if !ok {
		return 0, types.Errorf(types.KindNotFound, "download file", "file %s not found", id)
	}

	return storage.Reassemble(ctx, w, entry.descs, func(ctx context.Context, desc storage.ChunkDescriptor) ([]byte, error) {
		key, err := cid.Decode(desc.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk hash %q: %w", desc.ContentHash, err)
		}
		return c.blobs.Get(ctx, key)
	})
}

// DeleteFile removes a file on behalf of its uploader and releases every
// capacity reservation its placement holds.
func (c *Coordinator) DeleteFile(ctx context.Context, caller types.Address, id types.FileID) error {
	const op = "delete file"

	c.fileMutex.Lock()
	entry, ok := c.files[id]
	if !ok {
		c.fileMutex.Unlock()
		return types.Errorf(types.KindNotFound, op, "file %s not found", id)
	}
	if entry.file.UploaderID != caller {
		c.fileMutex.Unlock()
		return types.Errorf(types.KindAuthorization, op, "%s did not upload file %s", caller, id)
	}
	delete(c.files, id)
	delete(c.manifests, entry.file.ManifestHash)
	c.fileMutex.Unlock()

	err := c.scheduler.Release(entry.assignment)
	err = multierr.Append(err, c.releaseBlobs(ctx, entry.descs))

	c.logger.Info("File deleted",
		zap.String("file_id", string(id)),
		zap.Int("replicas", len(entry.assignment.Replicas)))

	c.publish(ctx, events.Event{
		Type:     events.FileDeleted,
		FileID:   id,
		Uploader: caller,
	})
	return err
}

// GetFile returns the file and its chunk placements.
func (c *Coordinator) GetFile(id types.FileID) (types.File, []types.Chunk, error) {
	c.fileMutex.RLock()
	defer c.fileMutex.RUnlock()

	entry, ok := c.files[id]
	if !ok {
		return types.File{}, nil, types.Errorf(types.KindNotFound, "get file", "file %s not found", id)
	}
	return entry.file, append([]types.Chunk(nil), entry.chunks...), nil
}

// ListFiles returns the files uploaded by uploader, or every file when
// uploader is empty.
func (c *Coordinator) ListFiles(uploader types.Address) []types.File {
	c.fileMutex.RLock()
	defer c.fileMutex.RUnlock()

	out := make([]types.File, 0, len(c.files))
	for _, e := range c.files {
		if uploader == "" || e.file.UploaderID == uploader {
			out = append(out, e.file)
		}
	}
	sortFiles(out)
	return out
}

func sortFiles(files []types.File) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.Before(files[j].CreatedAt)
		}
		return files[i].ID < files[j].ID
	})
}

// retainBlob counts a reference before the blob is written, so a concurrent
// release can never delete a blob another upload is about to use.
func (c *Coordinator) retainBlob(hash string) {
	c.fileMutex.Lock()
	c.blobRefs[hash]++
	c.fileMutex.Unlock()
}

// releaseBlobs drops one reference per descriptor and deletes blobs nobody
// references any more.
func (c *Coordinator) releaseBlobs(ctx context.Context, descs []storage.ChunkDescriptor) error {
	c.fileMutex.Lock()
	defer c.fileMutex.Unlock()

	var errs error
	for _, desc := range descs {
		c.blobRefs[desc.ContentHash]--
		if c.blobRefs[desc.ContentHash] > 0 {
			continue
		}
		delete(c.blobRefs, desc.ContentHash)

		key, err := cid.Decode(desc.ContentHash)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := c.blobs.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete chunk %s: %w", desc.ContentHash, err))
		}
	}
	if errs != nil {
		c.logger.Warn("Blob cleanup incomplete", zap.Error(errs))
	}
	return errs
}
