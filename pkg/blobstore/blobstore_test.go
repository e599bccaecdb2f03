package blobstore

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type sample struct {
	success bool
	bytes   int64
}

type recordingObserver struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recordingObserver) ObserveTransfer(success bool, bytes int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{success, bytes})
}

func testStore(t *testing.T, store *DatastoreStore) {
	ctx := context.Background()
	obs := &recordingObserver{}
	store.SetObserver(obs)

	data := []byte("chunk payload")
	c, err := store.Put(ctx, data)
	require.NoError(t, err)
	hash, err := storage.HashChunk(data)
	require.NoError(t, err)
	assert.Equal(t, hash, c.String(), "blob keys match chunk content hashes")

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, c.Equals(again))

	got, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	has, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Delete(ctx, c))
	_, err = store.Get(ctx, c)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Equal(t, []sample{
		{true, int64(len(data))},
		{true, int64(len(data))},
		{true, int64(len(data))},
		{false, 0},
	}, obs.samples)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory(nil)
	defer store.Close()
	testStore(t, store)
}

func TestLevelDBStore(t *testing.T) {
	store, err := OpenLevelDB(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestPutCopiesReusedBuffers(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) *DatastoreStore{
		"memory": func(*testing.T) *DatastoreStore { return NewMemory(nil) },
		"leveldb": func(t *testing.T) *DatastoreStore {
			store, err := OpenLevelDB(t.TempDir(), nil)
			require.NoError(t, err)
			return store
		},
	} {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			ctx := context.Background()

			data := []byte("0123456789abcdefFEDCBA9876543210")
			var stored []cid.Cid
			err := storage.Walk(ctx, bytes.NewReader(data), 8, func(_ storage.ChunkDescriptor, chunk []byte) error {
				c, err := store.Put(ctx, chunk)
				stored = append(stored, c)
				return err
			})
			require.NoError(t, err)
			require.Len(t, stored, 4)

			for i, c := range stored {
				got, err := store.Get(ctx, c)
				require.NoError(t, err)
				assert.Equal(t, data[i*8:(i+1)*8], got)
			}
		})
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	backing := ds.NewMapDatastore()
	store := New(backing, nil)
	ctx := context.Background()

	c, err := store.Put(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, backing.Put(ctx, blobKey(c), []byte("tampered")))

	_, err = store.Get(ctx, c)
	assert.ErrorIs(t, err, types.ErrValidation)
}
