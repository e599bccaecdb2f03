package rpc

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/blobstore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/coordinator"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/health"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/metastore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/placement"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type testEnv struct {
	client *Client
	escrow *ledger.MemoryEscrow
	health *health.Aggregator
	clock  *clock.Mock
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	reg := registry.New(registry.DefaultConfig(), logger, registry.WithClock(mock))
	meta := metastore.NewMemory(logger)
	bus := events.NewBus(mock, logger, meta)
	escrow := ledger.NewMemoryEscrow(ledger.DefaultTreasury)
	agg := health.NewAggregator(health.DefaultConfig(), reg, nil, mock, logger)

	cfg := coordinator.DefaultConfig()
	cfg.ChunkSize = 1024
	cfg.Redundancy = 1

	coord, err := coordinator.New(cfg, coordinator.Services{
		Registry:  reg,
		Scheduler: placement.NewScheduler(reg, placement.NewMetrics(prometheus.NewRegistry()), logger),
		Ledger:    ledger.New(ledger.DefaultConfig(), reg, escrow, logger, ledger.WithClock(mock), ledger.WithEvents(bus)),
		Blobs:     blobstore.NewMemory(logger),
		Health:    agg,
		Bus:       bus,
		Meta:      meta,
		Clock:     mock,
	}, logger)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	server := NewServer(coord, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis) }()

	client, err := Dial(context.Background(), "bufnet", "alice",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		coord.Close()
	})

	return &testEnv{client: client, escrow: escrow, health: agg, clock: mock}
}

func TestProviderCalls(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	id, err := env.client.RegisterStorageProvider(ctx, 1<<20, types.NewTokenAmount(2), "alice.example:7001")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = env.client.RegisterStorageProvider(ctx, 1<<20, types.NewTokenAmount(2), "")
	assert.ErrorIs(t, err, types.ErrDuplicate)

	_, err = env.client.As("bob").RegisterStorageProvider(ctx, 0, types.NewTokenAmount(2), "")
	assert.ErrorIs(t, err, types.ErrValidation)

	p, err := env.client.GetProvider(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Address("alice"), p.Owner)
	assert.Equal(t, "2", p.PricePerByteSecond.String())
	assert.Equal(t, int64(100), p.Reputation)

	require.NoError(t, env.client.SetProviderVerified(ctx, id, true))
	providers, err := env.client.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.True(t, providers[0].Verified)

	assert.ErrorIs(t, env.client.As("bob").DeactivateProvider(ctx, id), types.ErrAuthorization)
	require.NoError(t, env.client.DeactivateProvider(ctx, id))

	_, err = env.client.GetProvider(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMissingCaller(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client.As("").RegisterStorageProvider(context.Background(), 1<<20, types.NewTokenAmount(1), "")
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestDealCalls(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	providerID, err := env.client.As("owner").RegisterStorageProvider(ctx, 1<<30, types.NewTokenAmount(1), "")
	require.NoError(t, err)
	require.NoError(t, env.escrow.Credit("alice", types.NewTokenAmount(5_000_000_000)))

	_, err = env.client.CreateDeal(ctx, providerID, 1_000_000, time.Hour, types.NewTokenAmount(1))
	assert.ErrorIs(t, err, types.ErrPayment)

	dealID, err := env.client.CreateDeal(ctx, providerID, 1_000_000, time.Hour, types.NewTokenAmount(5_000_000_000))
	require.NoError(t, err)

	deal, err := env.client.GetDeal(ctx, dealID)
	require.NoError(t, err)
	assert.Equal(t, "3600000000", deal.TotalPrice.String())
	assert.Equal(t, types.DealActive, deal.Status)
	assert.Equal(t, time.Hour, deal.Duration)

	assert.ErrorIs(t, env.client.As("mallory").SubmitProof(ctx, dealID, "proof"), types.ErrAuthorization)
	require.NoError(t, env.client.As("owner").SubmitProof(ctx, dealID, "proof"))
	assert.ErrorIs(t, env.client.CompleteDeal(ctx, dealID), types.ErrState)
	assert.ErrorIs(t, env.client.CancelDeal(ctx, dealID), types.ErrState)

	env.clock.Add(time.Hour)
	completed, err := env.client.SweepExpiredDeals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.DealID{dealID}, completed)

	deals, err := env.client.ListDeals(ctx, ListDealsRequest{Status: "completed"})
	require.NoError(t, err)
	assert.Len(t, deals, 1)

	deals, err = env.client.ListDeals(ctx, ListDealsRequest{Status: "active"})
	require.NoError(t, err)
	assert.Empty(t, deals)

	_, err = env.client.ListDeals(ctx, ListDealsRequest{Status: "bogus"})
	assert.ErrorIs(t, err, types.ErrValidation)

	log, err := env.client.Events(ctx, 0, 0)
	require.NoError(t, err)
	kinds := make([]events.Type, len(log))
	for i, ev := range log {
		kinds[i] = ev.Type
	}
	assert.Equal(t, []events.Type{
		events.ProviderRegistered,
		events.DealCreated,
		events.DealRecorded,
		events.ProofSubmitted,
		events.DealCompleted,
	}, kinds)
}

func TestFileCalls(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	_, err := env.client.As("owner").RegisterStorageProvider(ctx, 1<<20, types.NewTokenAmount(1), "")
	require.NoError(t, err)

	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i % 251)
	}

	file, err := env.client.UploadFile(ctx, "notes.txt", data)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), file.TotalSize)

	got, chunks, err := env.client.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Len(t, chunks, 3)

	downloaded, err := env.client.DownloadFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, data, downloaded)

	files, err := env.client.ListFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	assert.ErrorIs(t, env.client.As("bob").DeleteFile(ctx, file.ID), types.ErrAuthorization)
	require.NoError(t, env.client.DeleteFile(ctx, file.ID))

	_, err = env.client.DownloadFile(ctx, file.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStatsCall(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	stats, err := env.client.Stats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats)

	_, err = env.client.As("owner").RegisterStorageProvider(ctx, 1<<20, types.NewTokenAmount(1), "")
	require.NoError(t, err)
	env.health.Tick(ctx)

	stats, err = env.client.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.ActiveProviders)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		kind types.ErrorKind
		code codes.Code
	}{
		{types.KindValidation, codes.InvalidArgument},
		{types.KindCapacity, codes.ResourceExhausted},
		{types.KindAuthorization, codes.PermissionDenied},
		{types.KindState, codes.FailedPrecondition},
		{types.KindPayment, codes.FailedPrecondition},
		{types.KindNotFound, codes.NotFound},
		{types.KindDuplicate, codes.AlreadyExists},
		{types.KindInsufficientProviders, codes.Unavailable},
	}

	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			err := types.NewError(tc.kind, "op", "boom")
			st, trailer := toStatus(err)
			assert.Equal(t, tc.code, status.Code(st))
			assert.Equal(t, []string{tc.kind.String()}, trailer.Get(errorKindHeader))

			back := fromStatus(st, trailer)
			assert.Equal(t, tc.kind, types.KindOf(back))
			assert.Contains(t, back.Error(), "boom")
		})
	}

	st, trailer := toStatus(errors.New("plain"))
	assert.Equal(t, codes.Internal, status.Code(st))
	assert.Nil(t, trailer)

	st, _ = toStatus(context.DeadlineExceeded)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(st))
	assert.ErrorIs(t, fromStatus(st, metadata.MD{}), context.DeadlineExceeded)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 3}

	t.Run("transport errors are retried", func(t *testing.T) {
		calls := 0
		err := policy.do(ctx, func() error {
			calls++
			if calls < 3 {
				return status.Error(codes.Unavailable, "connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		calls := 0
		err := policy.do(ctx, func() error {
			calls++
			return status.Error(codes.Aborted, "aborted")
		})
		assert.Equal(t, codes.Aborted, status.Code(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("domain errors are final", func(t *testing.T) {
		calls := 0
		err := policy.do(ctx, func() error {
			calls++
			return &types.Error{Kind: types.KindInsufficientProviders, Msg: "no providers"}
		})
		assert.ErrorIs(t, err, types.ErrInsufficientProviders)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}.do(ctx, func() error {
			calls++
			return status.Error(codes.Unavailable, "down")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.backoff(2))
	assert.Equal(t, time.Second, p.backoff(10))

	p.Jitter = 0.2
	for i := 0; i < 20; i++ {
		d := p.backoff(1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestServiceDescMatchesHandlers(t *testing.T) {
	handlers := reflect.TypeOf((*storageMeshServer)(nil)).Elem()
	require.Equal(t, handlers.NumMethod(), len(serviceDesc.Methods))
	assert.True(t, reflect.TypeOf((*Server)(nil)).Implements(handlers))

	for _, m := range serviceDesc.Methods {
		name := strings.ToLower(m.MethodName[:1]) + m.MethodName[1:]
		if _, ok := handlers.MethodByName(name); !ok {
			// Handler names drop a few words from the wire names.
			switch m.MethodName {
			case methodRegisterProvider, methodSetVerified:
				continue
			}
			t.Errorf("no handler declared for %s", m.MethodName)
		}
	}
}
