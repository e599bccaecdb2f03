package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

func TestSplitChunkCountAndSizes(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int64
		expected  int
	}{
		{"single byte", 1, 1024, 1},
		{"exact multiple", 4096, 1024, 4},
		{"short tail", 4097, 1024, 5},
		{"smaller than chunk", 100, 1024, 1},
		{"ten mebibytes", 10 * 1024 * 1024, DefaultChunkSize, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			_, err := rand.Read(data)
			require.NoError(t, err)

			descs, err := Split(bytes.NewReader(data), tt.chunkSize)
			require.NoError(t, err)
			require.Len(t, descs, tt.expected)

			for i, d := range descs {
				assert.Equal(t, i, d.Index)
				if i < len(descs)-1 {
					assert.Equal(t, tt.chunkSize, d.Size, "all chunks but the last are full")
				}
				assert.NotEmpty(t, d.ContentHash)
			}
			assert.Equal(t, int64(tt.size), TotalSize(descs))
		})
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	data := make([]byte, 3*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	first, err := Split(bytes.NewReader(data), 1024)
	require.NoError(t, err)
	second, err := Split(bytes.NewReader(data), 1024)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, manifestOf(t, first), manifestOf(t, second))

	data[0] ^= 0xff
	changed, err := Split(bytes.NewReader(data), 1024)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ContentHash, changed[0].ContentHash)
	assert.Equal(t, first[1].ContentHash, changed[1].ContentHash)
	assert.NotEqual(t, manifestOf(t, first), manifestOf(t, changed))
}

func manifestOf(t *testing.T, descs []ChunkDescriptor) string {
	t.Helper()
	m, err := ManifestHash(descs)
	require.NoError(t, err)
	return m
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	_, err := Split(strings.NewReader("abc"), 0)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = Split(strings.NewReader("abc"), -1)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = Split(strings.NewReader(""), 1024)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestContentHashIsRawCid(t *testing.T) {
	h, err := HashChunk([]byte("hello"))
	require.NoError(t, err)
	c, err := cid.Decode(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), c.Type())
	assert.Equal(t, uint64(1), c.Version())

	direct, err := ContentID([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, c.Equals(direct))
	assert.Equal(t, uint64(mh.SHA2_256), direct.Prefix().MhType)
}

// boundedReader fails the test if a single read asks for more than limit bytes.
type boundedReader struct {
	t     *testing.T
	r     io.Reader
	limit int
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if len(p) > b.limit {
		b.t.Fatalf("read of %d bytes exceeds chunk size %d", len(p), b.limit)
	}
	return b.r.Read(p)
}

func TestWalkReadsBoundedChunks(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10*1024)
	reader := &boundedReader{t: t, r: bytes.NewReader(data), limit: 1024}

	var seen int64
	err := Walk(context.Background(), reader, 1024, func(desc ChunkDescriptor, chunk []byte) error {
		assert.True(t, Verify(desc, chunk))
		seen += int64(len(chunk))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), seen)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Walk(context.Background(), bytes.NewReader(make([]byte, 4096)), 1024, func(ChunkDescriptor, []byte) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestWalkHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Walk(ctx, bytes.NewReader(make([]byte, 4096)), 1024, func(ChunkDescriptor, []byte) error {
		t.Fatal("callback must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReassembleVerifiesChunks(t *testing.T) {
	data := make([]byte, 5000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	blobs := map[string][]byte{}
	var descs []ChunkDescriptor
	err = Walk(context.Background(), bytes.NewReader(data), 1024, func(desc ChunkDescriptor, chunk []byte) error {
		blobs[desc.ContentHash] = append([]byte(nil), chunk...)
		descs = append(descs, desc)
		return nil
	})
	require.NoError(t, err)

	fetch := func(_ context.Context, d ChunkDescriptor) ([]byte, error) {
		b, ok := blobs[d.ContentHash]
		if !ok {
			return nil, fmt.Errorf("missing %s", d.ContentHash)
		}
		return b, nil
	}

	var out bytes.Buffer
	n, err := Reassemble(context.Background(), &out, descs, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())

	blobs[descs[2].ContentHash][0] ^= 0xff
	out.Reset()
	_, err = Reassemble(context.Background(), &out, descs, fetch)
	assert.ErrorIs(t, err, types.ErrValidation)
}
