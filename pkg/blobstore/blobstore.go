package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

var blobPrefix = ds.NewKey("/blobs")

// Store is a content-addressed blob service.
type Store interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Delete(ctx context.Context, c cid.Cid) error
	Close() error
}

// Observer is told about every transfer through the store.
type Observer interface {
	ObserveTransfer(success bool, bytes int64, took time.Duration)
}

// DatastoreStore keeps blobs in an ipfs datastore keyed by CID.
type DatastoreStore struct {
	ds       ds.Datastore
	observer Observer
	logger   *zap.Logger
}

// NewMemory returns a store backed by a thread-safe in-memory map.
func NewMemory(logger *zap.Logger) *DatastoreStore {
	return New(dssync.MutexWrap(ds.NewMapDatastore()), logger)
}

// OpenLevelDB opens (or creates) a LevelDB-backed store at path.
func OpenLevelDB(path string, logger *zap.Logger) (*DatastoreStore, error) {
	db, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store at %s: %w", path, err)
	}
	return New(db, logger), nil
}

func New(d ds.Datastore, logger *zap.Logger) *DatastoreStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatastoreStore{ds: d, logger: logger}
}

// SetObserver installs o to receive transfer samples. Not safe to call
// concurrently with transfers.
func (s *DatastoreStore) SetObserver(o Observer) {
	s.observer = o
}

func blobKey(c cid.Cid) ds.Key {
	return blobPrefix.ChildString(c.String())
}

// Put stores a copy of data under its CIDv1 and returns it. Storing the same
// bytes twice is a no-op. Callers may reuse data once Put returns.
func (s *DatastoreStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	start := time.Now()
	c, err := storage.ContentID(data)
	if err != nil {
		return cid.Undef, err
	}

	// The map datastore keeps the slice it is given.
	err = s.ds.Put(ctx, blobKey(c), append([]byte(nil), data...))
	s.observe(err == nil, int64(len(data)), time.Since(start))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to put blob %s: %w", c, err)
	}

	s.logger.Debug("Blob stored", zap.String("cid", c.String()), zap.Int("size", len(data)))
	return c, nil
}

// Get returns the blob for c, verifying that its bytes still hash to c.
func (s *DatastoreStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	start := time.Now()

	data, err := s.ds.Get(ctx, blobKey(c))
	if errors.Is(err, ds.ErrNotFound) {
		s.observe(false, 0, time.Since(start))
		return nil, types.Errorf(types.KindNotFound, "get blob", "blob %s not found", c)
	}
	if err != nil {
		s.observe(false, 0, time.Since(start))
		return nil, fmt.Errorf("failed to get blob %s: %w", c, err)
	}
	if got, err := storage.ContentID(data); err != nil || !got.Equals(c) {
		s.observe(false, int64(len(data)), time.Since(start))
		return nil, types.Errorf(types.KindValidation, "get blob", "blob %s is corrupt", c)
	}

	s.observe(true, int64(len(data)), time.Since(start))
	return data, nil
}

func (s *DatastoreStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.ds.Has(ctx, blobKey(c))
}

func (s *DatastoreStore) Delete(ctx context.Context, c cid.Cid) error {
	if err := s.ds.Delete(ctx, blobKey(c)); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", c, err)
	}
	return nil
}

func (s *DatastoreStore) Close() error {
	return s.ds.Close()
}

func (s *DatastoreStore) observe(success bool, bytes int64, took time.Duration) {
	if s.observer != nil {
		s.observer.ObserveTransfer(success, bytes, took)
	}
}
