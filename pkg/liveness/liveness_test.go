package liveness

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) ObserveLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, d)
}

func newRegistryWithProvider(t *testing.T, mock clock.Clock) (*registry.Registry, types.ProviderID) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, registry.WithClock(mock))
	id, err := reg.Register("owner", 1000, types.NewTokenAmount(1), "")
	require.NoError(t, err)
	return reg, id
}

func TestDetectorMarksSilentProvidersOffline(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, id := newRegistryWithProvider(t, mock)
	lat := &latencies{}

	det := NewDetector(DefaultDetectorConfig(), reg, lat, mock, nil)

	mock.Add(time.Second)
	det.Observe(Update{ProviderID: id, Online: true, LastSeenAt: mock.Now(), Latency: 20 * time.Millisecond})
	assert.Equal(t, StatusAlive, det.Status(id))
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, lat.samples)

	mock.Add(31 * time.Second)
	det.DetectFailures()
	assert.Equal(t, StatusSuspected, det.Status(id))
	p, _ := reg.Get(id)
	assert.True(t, p.Online, "suspected providers stay placeable")

	mock.Add(30 * time.Second)
	det.DetectFailures()
	assert.Equal(t, StatusDead, det.Status(id))
	p, _ = reg.Get(id)
	assert.False(t, p.Online)

	mock.Add(time.Second)
	det.Observe(Update{ProviderID: id, Online: true, LastSeenAt: mock.Now()})
	p, _ = reg.Get(id)
	assert.True(t, p.Online)
	assert.Equal(t, StatusUnknown, det.Status("other"))
}

func TestDetectorIgnoresUnknownProviders(t *testing.T) {
	mock := clock.NewMock()
	reg, _ := newRegistryWithProvider(t, mock)
	det := NewDetector(DefaultDetectorConfig(), reg, nil, mock, nil)

	det.Observe(Update{ProviderID: "stranger", Online: true})
	assert.Equal(t, StatusAlive, det.Status("stranger"))
}

func TestDetectorRunConsumesFeed(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, id := newRegistryWithProvider(t, mock)
	det := NewDetector(DefaultDetectorConfig(), reg, nil, mock, nil)

	feed := NewChanFeed(4)
	done := make(chan error, 1)
	go func() {
		done <- det.Run(context.Background(), feed)
	}()

	require.NoError(t, feed.Publish(context.Background(), Update{
		ProviderID: id,
		Online:     false,
		LastSeenAt: mock.Now().Add(time.Second),
	}))
	feed.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("detector did not stop after feed closed")
	}

	p, _ := reg.Get(id)
	assert.False(t, p.Online)
}

func TestBroadcastFeedDecodesBeacons(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sender := NewBroadcastFeed(BroadcastConfig{ProviderID: "p1"}, mock, nil)
	payload := sender.payload()

	var b beacon
	require.NoError(t, json.Unmarshal(payload, &b))
	assert.Equal(t, types.ProviderID("p1"), b.ProviderID)

	receiver := NewBroadcastFeed(BroadcastConfig{}, mock, nil)
	mock.Add(15 * time.Millisecond)

	u, ok := receiver.decode(payload)
	require.True(t, ok)
	assert.Equal(t, types.ProviderID("p1"), u.ProviderID)
	assert.True(t, u.Online)
	assert.Equal(t, 15*time.Millisecond, u.Latency)

	_, ok = receiver.decode([]byte("not json"))
	assert.False(t, ok)

	// A listen-only coordinator's own beacon carries no provider.
	_, ok = receiver.decode(receiver.payload())
	assert.False(t, ok)
}
