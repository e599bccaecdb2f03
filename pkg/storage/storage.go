package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024 // 1MiB chunks
	MaxChunkSize     = 64 * 1024 * 1024
)

// contentPrefix builds CIDv1 raw-codec addresses with a sha2-256 multihash.
var contentPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// ChunkDescriptor describes one slice of a file in stream order.
type ChunkDescriptor struct {
	Index       int
	ContentHash string
	Size        int64
}

// ChunkFunc receives each chunk as it is read. data is only valid for the
// duration of the call.
type ChunkFunc func(desc ChunkDescriptor, data []byte) error

// Split divides the stream into fixed-size, content-hashed chunks.
func Split(r io.Reader, chunkSize int64) ([]ChunkDescriptor, error) {
	var descs []ChunkDescriptor
	err := Walk(context.Background(), r, chunkSize, func(desc ChunkDescriptor, _ []byte) error {
		descs = append(descs, desc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return descs, nil
}

// Walk reads r one chunk at a time and hands every chunk to fn. At most one
// chunk is held in memory. The context is checked between chunks.
func Walk(ctx context.Context, r io.Reader, chunkSize int64, fn ChunkFunc) error {
	if chunkSize <= 0 {
		return types.Errorf(types.KindValidation, "split", "chunk size must be positive, got %d", chunkSize)
	}
	if chunkSize > MaxChunkSize {
		return types.Errorf(types.KindValidation, "split", "chunk size %d exceeds maximum %d", chunkSize, MaxChunkSize)
	}
	if r == nil {
		return types.NewError(types.KindValidation, "split", "nil stream")
	}

	buffer := make([]byte, chunkSize)
	index := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			data := buffer[:n]
			hash, hashErr := HashChunk(data)
			if hashErr != nil {
				return hashErr
			}
			desc := ChunkDescriptor{
				Index:       index,
				ContentHash: hash,
				Size:        int64(n),
			}
			if cbErr := fn(desc, data); cbErr != nil {
				return cbErr
			}
			index++
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
	}

	if index == 0 {
		return types.NewError(types.KindValidation, "split", "empty stream")
	}
	return nil
}

// HashChunk returns the CIDv1 (raw, sha2-256) of data as a string.
func HashChunk(data []byte) (string, error) {
	c, err := ContentID(data)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// ContentID returns the CIDv1 (raw, sha2-256) that addresses data.
func ContentID(data []byte) (cid.Cid, error) {
	c, err := contentPrefix.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash content: %w", err)
	}
	return c, nil
}

// ManifestHash derives the content hash of a whole file from the ordered
// chunk hashes. Identical bytes split with the same chunk size always yield
// the same manifest.
func ManifestHash(descs []ChunkDescriptor) (string, error) {
	var manifest bytes.Buffer
	for _, d := range descs {
		fmt.Fprintf(&manifest, "%d:%s:%d\n", d.Index, d.ContentHash, d.Size)
	}
	return HashChunk(manifest.Bytes())
}

// TotalSize sums the chunk sizes.
func TotalSize(descs []ChunkDescriptor) int64 {
	var total int64
	for _, d := range descs {
		total += d.Size
	}
	return total
}

// Verify checks chunk integrity against its descriptor.
func Verify(desc ChunkDescriptor, data []byte) bool {
	if int64(len(data)) != desc.Size {
		return false
	}
	hash, err := HashChunk(data)
	return err == nil && hash == desc.ContentHash
}

// FetchFunc returns the bytes for a chunk.
type FetchFunc func(ctx context.Context, desc ChunkDescriptor) ([]byte, error)

// Reassemble writes chunks to w in index order, verifying each one.
func Reassemble(ctx context.Context, w io.Writer, descs []ChunkDescriptor, fetch FetchFunc) (int64, error) {
	var written int64
	for i, desc := range descs {
		if desc.Index != i {
			return written, types.Errorf(types.KindValidation, "reassemble", "chunk %d out of order (index %d)", i, desc.Index)
		}

		data, err := fetch(ctx, desc)
		if err != nil {
			return written, fmt.Errorf("failed to fetch chunk %d: %w", i, err)
		}
		if !Verify(desc, data) {
			return written, types.Errorf(types.KindValidation, "reassemble", "chunk %d failed integrity check", i)
		}

		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk data: %w", err)
		}
	}
	return written, nil
}
