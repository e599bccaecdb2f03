package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/blobstore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/health"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/metastore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/placement"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const (
	alice types.Address = "alice"
	bob   types.Address = "bob"
)

// testCoordinator bundles a coordinator with its in-memory collaborators.
type testCoordinator struct {
	*Coordinator
	clock    *clock.Mock
	registry *registry.Registry
	escrow   *ledger.MemoryEscrow
	blobs    *blobstore.DatastoreStore
	meta     *metastore.Store
	health   *health.Aggregator
	owners   int
}

func setupTestCoordinator(t *testing.T, cfg Config) *testCoordinator {
	t.Helper()
	return setupTestCoordinatorWith(t, cfg, metastore.NewMemory(nil), blobstore.NewMemory(nil))
}

// setupTestCoordinatorWith builds a coordinator over existing stores, the way
// a restarted process reopens its data directory.
func setupTestCoordinatorWith(t *testing.T, cfg Config, meta *metastore.Store, blobs *blobstore.DatastoreStore) *testCoordinator {
	t.Helper()
	logger := zap.NewNop()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	seq, err := meta.LastSeq(context.Background())
	require.NoError(t, err)

	reg := registry.New(registry.DefaultConfig(), logger, registry.WithClock(mock))
	bus := events.NewBus(mock, logger, meta)
	bus.SetSequence(seq)
	escrow := ledger.NewMemoryEscrow(ledger.DefaultTreasury)
	led := ledger.New(ledger.DefaultConfig(), reg, escrow, logger, ledger.WithClock(mock), ledger.WithEvents(bus))
	agg := health.NewAggregator(health.DefaultConfig(), reg, nil, mock, logger)
	blobs.SetObserver(agg)

	coord, err := New(cfg, Services{
		Registry:  reg,
		Scheduler: placement.NewScheduler(reg, placement.NewMetrics(prometheus.NewRegistry()), logger),
		Ledger:    led,
		Blobs:     blobs,
		Health:    agg,
		Bus:       bus,
		Meta:      meta,
		Clock:     mock,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	return &testCoordinator{
		Coordinator: coord,
		clock:       mock,
		registry:    reg,
		escrow:      escrow,
		blobs:       blobs,
		meta:        meta,
		health:      agg,
	}
}

func (tc *testCoordinator) addProviders(t *testing.T, n int, capacity int64) []types.ProviderID {
	t.Helper()
	ids := make([]types.ProviderID, n)
	for i := range ids {
		tc.owners++
		owner := types.Address(fmt.Sprintf("owner-%d", tc.owners))
		id, err := tc.RegisterStorageProvider(context.Background(), owner, capacity, types.NewTokenAmount(1), "")
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func (tc *testCoordinator) ownerOf(t *testing.T, id types.ProviderID) types.Address {
	t.Helper()
	p, err := tc.GetProvider(id)
	require.NoError(t, err)
	return p.Owner
}

func (tc *testCoordinator) usedTotal() int64 {
	return lo.SumBy(tc.registry.Snapshot(), func(p types.StorageProvider) int64 { return p.UsedCapacity })
}

func randomData(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func smallChunks() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 1024
	cfg.Redundancy = 2
	return cfg
}

func TestNewValidation(t *testing.T) {
	_, err := New(DefaultConfig(), Services{}, nil)
	assert.Error(t, err)

	tc := setupTestCoordinator(t, DefaultConfig())
	svc := Services{
		Registry:  tc.registry,
		Scheduler: tc.scheduler,
		Ledger:    tc.ledger,
		Blobs:     tc.blobs,
	}

	bad := DefaultConfig()
	bad.ChunkSize = 0
	_, err = New(bad, svc, nil)
	assert.Error(t, err)

	bad = DefaultConfig()
	bad.Redundancy = 0
	_, err = New(bad, svc, nil)
	assert.Error(t, err)
}

func TestUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 3, 1<<20)

	data := randomData(1, 5000)
	file, err := tc.UploadFile(ctx, alice, "report.bin", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, int64(5000), file.TotalSize)
	assert.Len(t, file.ChunkIDs, 5)
	assert.True(t, file.IsActive)
	assert.Equal(t, alice, file.UploaderID)
	assert.NotEmpty(t, file.ManifestHash)

	_, chunks, err := tc.GetFile(file.ID)
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.Len(t, ch.AssignedProviderIDs, 2)
		assert.Len(t, lo.Uniq(ch.AssignedProviderIDs), 2)
	}
	assert.Equal(t, int64(2*5000), tc.usedTotal())

	var out bytes.Buffer
	n, err := tc.DownloadFile(ctx, file.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
	assert.Equal(t, data, out.Bytes())

	record, err := tc.meta.File(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, record.ChunkHashes, 5)
	assert.Equal(t, alice, record.Uploader)

	assert.Equal(t, []types.File{file}, tc.ListFiles(alice))
	assert.Empty(t, tc.ListFiles(bob))
}

func TestUploadInsufficientProviders(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 1, 1<<20)

	data := randomData(2, 3000)
	_, err := tc.UploadFile(ctx, alice, "a", bytes.NewReader(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInsufficientProviders)
	assert.Zero(t, tc.usedTotal())
	assert.Empty(t, tc.ListFiles(""))

	first, err := storage.ContentID(data[:1024])
	require.NoError(t, err)
	has, err := tc.blobs.Has(ctx, first)
	require.NoError(t, err)
	assert.False(t, has, "blobs of a failed upload should be removed")

	// The manifest was not left claimed.
	tc.addProviders(t, 1, 1<<20)
	_, err = tc.UploadFile(ctx, alice, "a", bytes.NewReader(data))
	require.NoError(t, err)
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 2, 1<<20)

	_, err := tc.UploadFile(ctx, "", "a", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = tc.UploadFile(ctx, alice, "empty", bytes.NewReader(nil))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestUploadDuplicateContent(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 2, 1<<20)

	data := randomData(3, 2048)
	first, err := tc.UploadFile(ctx, alice, "a", bytes.NewReader(data))
	require.NoError(t, err)
	used := tc.usedTotal()

	_, err = tc.UploadFile(ctx, bob, "b", bytes.NewReader(data))
	assert.ErrorIs(t, err, types.ErrDuplicate)
	assert.Equal(t, used, tc.usedTotal())

	// The first copy must still be readable.
	var out bytes.Buffer
	_, err = tc.DownloadFile(ctx, first.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 3, 1<<20)

	data := randomData(4, 4096)
	file, err := tc.UploadFile(ctx, alice, "a", bytes.NewReader(data))
	require.NoError(t, err)

	err = tc.DeleteFile(ctx, bob, file.ID)
	assert.ErrorIs(t, err, types.ErrAuthorization)

	require.NoError(t, tc.DeleteFile(ctx, alice, file.ID))
	assert.Zero(t, tc.usedTotal())

	_, err = tc.DownloadFile(ctx, file.ID, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, tc.DeleteFile(ctx, alice, file.ID), types.ErrNotFound)

	record, err := tc.meta.File(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, record.Deleted)

	_, err = tc.UploadFile(ctx, alice, "a", bytes.NewReader(data))
	require.NoError(t, err)
}

func TestDeleteKeepsSharedChunks(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 2, 1<<20)

	shared := randomData(5, 1024)
	a := append(append([]byte(nil), shared...), randomData(6, 1024)...)
	b := append(append([]byte(nil), shared...), randomData(7, 1024)...)

	fileA, err := tc.UploadFile(ctx, alice, "a", bytes.NewReader(a))
	require.NoError(t, err)
	fileB, err := tc.UploadFile(ctx, bob, "b", bytes.NewReader(b))
	require.NoError(t, err)

	require.NoError(t, tc.DeleteFile(ctx, alice, fileA.ID))

	var out bytes.Buffer
	_, err = tc.DownloadFile(ctx, fileB.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, b, out.Bytes())
}

func TestProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, DefaultConfig())

	id, err := tc.RegisterStorageProvider(ctx, alice, 1<<30, types.NewTokenAmount(1), "alice.example:7001")
	require.NoError(t, err)

	_, err = tc.RegisterStorageProvider(ctx, alice, 1<<30, types.NewTokenAmount(1), "")
	assert.ErrorIs(t, err, types.ErrDuplicate)

	assert.ErrorIs(t, tc.DeactivateProvider(ctx, bob, id), types.ErrAuthorization)

	require.NoError(t, tc.SetProviderVerified(id, true))
	p, err := tc.GetProvider(id)
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, "alice.example:7001", p.Endpoint)

	require.NoError(t, tc.DeactivateProvider(ctx, alice, id))
	p, err = tc.GetProvider(id)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	assert.Len(t, tc.ListProviders(), 1)

	log, err := tc.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, events.ProviderRegistered, log[0].Type)
	assert.Equal(t, int64(1<<30), log[0].Capacity)
	assert.Equal(t, events.ProviderDeactivated, log[1].Type)
	assert.Equal(t, id, log[1].ProviderID)
}

func TestDealLifecycleWithSweep(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, DefaultConfig())
	ids := tc.addProviders(t, 1, 1<<30)
	require.NoError(t, tc.escrow.Credit(bob, types.NewTokenAmount(10_000_000)))

	dealID, err := tc.CreateDeal(ctx, bob, ids[0], 1000, time.Hour, types.NewTokenAmount(3_600_000))
	require.NoError(t, err)

	p, err := tc.GetProvider(ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.UsedCapacity)

	require.NoError(t, tc.SubmitProof(ctx, tc.ownerOf(t, ids[0]), dealID, "bafyproof"))
	assert.ErrorIs(t, tc.CompleteDeal(ctx, bob, dealID), types.ErrState)

	// Nothing expires before the end time.
	tc.health.Tick(ctx)
	deal, err := tc.GetDeal(dealID)
	require.NoError(t, err)
	assert.Equal(t, types.DealActive, deal.Status)

	tc.clock.Add(time.Hour)
	tc.health.Tick(ctx)

	deal, err = tc.GetDeal(dealID)
	require.NoError(t, err)
	assert.Equal(t, types.DealCompleted, deal.Status)

	p, err = tc.GetProvider(ids[0])
	require.NoError(t, err)
	assert.Zero(t, p.UsedCapacity)
	assert.Equal(t, int64(110), p.Reputation)

	record, err := tc.meta.Deal(ctx, dealID)
	require.NoError(t, err)
	assert.Equal(t, types.DealCompleted.String(), record.Status)
	assert.Equal(t, "bafyproof", record.ProofHash)

	assert.Len(t, tc.ListDeals(ledger.Filter{Renter: bob}), 1)
	assert.ErrorIs(t, tc.CancelDeal(ctx, bob, dealID), types.ErrState)
}

func TestStatsFromTransfers(t *testing.T) {
	ctx := context.Background()
	tc := setupTestCoordinator(t, smallChunks())
	tc.addProviders(t, 2, 1<<20)
	assert.Nil(t, tc.Stats())

	_, err := tc.UploadFile(ctx, alice, "a", bytes.NewReader(randomData(8, 3000)))
	require.NoError(t, err)

	tc.health.Tick(ctx)
	stats := tc.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.ActiveProviders)
	assert.Equal(t, int64(6000), stats.UsedCapacity)
}

func TestRecoverClosesRecordsFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	previous := setupTestCoordinator(t, smallChunks())
	ids := previous.addProviders(t, 2, 1<<20)

	file, err := previous.UploadFile(ctx, alice, "a", bytes.NewReader(randomData(9, 3000)))
	require.NoError(t, err)
	require.NoError(t, previous.escrow.Credit(bob, types.NewTokenAmount(10_000_000)))
	dealID, err := previous.CreateDeal(ctx, bob, ids[0], 1000, time.Hour, types.NewTokenAmount(3_600_000))
	require.NoError(t, err)

	record, err := previous.meta.File(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, record.ChunkHashes, 3)

	restarted := setupTestCoordinatorWith(t, smallChunks(), previous.meta, previous.blobs)
	assert.Empty(t, restarted.ListFiles(""))
	require.NoError(t, restarted.Recover(ctx))

	for _, hash := range record.ChunkHashes {
		key, err := cid.Decode(hash)
		require.NoError(t, err)
		has, err := restarted.blobs.Has(ctx, key)
		require.NoError(t, err)
		assert.False(t, has, "orphaned chunk %s should be deleted", hash)
	}

	record, err = restarted.meta.File(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, record.Deleted)

	deal, err := restarted.meta.Deal(ctx, dealID)
	require.NoError(t, err)
	assert.Equal(t, metastore.DealVoidedStatus, deal.Status)

	// The event log continues where the previous run stopped.
	log, err := restarted.Events(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, events.DealVoided, log[len(log)-1].Type)
	for i := range log {
		assert.Equal(t, uint64(i+1), log[i].Seq)
	}

	// A second pass finds nothing left to close.
	require.NoError(t, restarted.Recover(ctx))
	again, err := restarted.Events(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, again, len(log))
}
