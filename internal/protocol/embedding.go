package protocol

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DType is the element type of an embedding tensor.
type DType uint8

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeBF16 DType = 2
)

// Embedding is a tensor payload produced by a task.
type Embedding struct {
	ID     uuid.UUID
	TaskID uint64
	DType  DType
	Shape  []uint32
	Data   []byte
}

// ChunkOptions controls how embeddings are split for transfer.
type ChunkOptions struct {
	Compression CompressionTag

	// ChunkThreshold is the compressed size above which the payload is split.
	ChunkThreshold int

	// ChunkSize is the maximum data length of one chunk.
	ChunkSize int
}

// DefaultChunkOptions compresses with zstd and splits above 1 MiB.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		Compression:    CompressionZstd,
		ChunkThreshold: 1 << 20,
		ChunkSize:      1 << 20,
	}
}

// MaxEmbeddingBytes caps the uncompressed size a chunk header may announce.
const MaxEmbeddingBytes = 1 << 30

// checkChunkHeader rejects size fields no honest sender produces, before any
// of them is used to size a buffer. Compress never grows a payload, so a
// transfer has at most one chunk per uncompressed byte.
func checkChunkHeader(c EmbeddingChunk, limit int) error {
	if limit <= 0 || limit > MaxEmbeddingBytes {
		limit = MaxEmbeddingBytes
	}
	if c.UncompressedSize > uint64(limit) {
		return fmt.Errorf("%w: announced size %d exceeds %d bytes", ErrChecksumMismatch, c.UncompressedSize, limit)
	}
	if c.TotalChunks == 0 || uint64(c.TotalChunks) > max(1, c.UncompressedSize) {
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrChecksumMismatch, c.TotalChunks, c.UncompressedSize)
	}
	return nil
}

// Checksum is the CRC32 (IEEE) of an uncompressed payload.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SplitEmbedding compresses e and cuts it into chunks. A zero ID is replaced
// with a fresh random one.
func SplitEmbedding(opts ChunkOptions, e Embedding) ([]EmbeddingChunk, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkOptions().ChunkSize
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = opts.ChunkSize
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	packed, tag, err := Compress(opts.Compression, e.Data)
	if err != nil {
		return nil, err
	}

	parts := [][]byte{packed}
	if len(packed) > opts.ChunkThreshold {
		parts = parts[:0]
		for off := 0; off < len(packed); off += opts.ChunkSize {
			end := min(off+opts.ChunkSize, len(packed))
			parts = append(parts, packed[off:end])
		}
	}

	sum := Checksum(e.Data)
	chunks := make([]EmbeddingChunk, len(parts))
	for i, p := range parts {
		chunks[i] = EmbeddingChunk{
			EmbeddingID:      e.ID,
			TaskID:           e.TaskID,
			ChunkIndex:       uint32(i),
			TotalChunks:      uint32(len(parts)),
			Checksum:         sum,
			Compression:      tag,
			UncompressedSize: uint64(len(e.Data)),
			DType:            e.DType,
			Shape:            e.Shape,
			Data:             p,
		}
	}
	return chunks, nil
}

// Assemble rebuilds an embedding from all of its chunks, in any order.
// A missing, duplicated or inconsistent chunk, a decompression failure and a
// checksum difference all return an error wrapping ErrChecksumMismatch.
func Assemble(chunks []EmbeddingChunk) (*Embedding, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrChecksumMismatch)
	}
	head := chunks[0]
	if err := checkChunkHeader(head, MaxEmbeddingBytes); err != nil {
		return nil, err
	}
	if int(head.TotalChunks) != len(chunks) {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrChecksumMismatch, len(chunks), head.TotalChunks)
	}

	sorted := make([]EmbeddingChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	size := 0
	for i, c := range sorted {
		if c.EmbeddingID != head.EmbeddingID || c.TotalChunks != head.TotalChunks ||
			c.Checksum != head.Checksum || c.Compression != head.Compression ||
			c.UncompressedSize != head.UncompressedSize {
			return nil, fmt.Errorf("%w: chunk %d header differs", ErrChecksumMismatch, c.ChunkIndex)
		}
		if c.ChunkIndex != uint32(i) {
			return nil, fmt.Errorf("%w: chunk index %d missing or duplicated", ErrChecksumMismatch, i)
		}
		size += len(c.Data)
	}

	packed := make([]byte, 0, size)
	for _, c := range sorted {
		packed = append(packed, c.Data...)
	}

	data, err := Decompress(head.Compression, packed, int(head.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if got := Checksum(data); got != head.Checksum {
		return nil, fmt.Errorf("%w: crc32 %08x, want %08x", ErrChecksumMismatch, got, head.Checksum)
	}

	return &Embedding{
		ID:     head.EmbeddingID,
		TaskID: head.TaskID,
		DType:  head.DType,
		Shape:  head.Shape,
		Data:   data,
	}, nil
}

// Reassembler collects chunks of concurrent transfers until each completes.
// It is safe for concurrent use.
type Reassembler struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]*transfer
	maxBytes int
}

type transfer struct {
	chunks    map[uint32]EmbeddingChunk
	total     uint32
	taskID    uint64
	bytes     int
	startedAt time.Time
}

// NewReassembler returns a reassembler that refuses a transfer once its
// buffered data exceeds maxBytes. Zero means no limit.
func NewReassembler(maxBytes int) *Reassembler {
	return &Reassembler{
		pending:  make(map[uuid.UUID]*transfer),
		maxBytes: maxBytes,
	}
}

// Add buffers c. When it completes its transfer the assembled embedding is
// returned. A duplicate index or inconsistent total aborts the transfer with
// ErrChecksumMismatch.
func (r *Reassembler) Add(c EmbeddingChunk, now time.Time) (*Embedding, error) {
	r.mu.Lock()
	t, ok := r.pending[c.EmbeddingID]
	if !ok {
		if err := checkChunkHeader(c, r.maxBytes); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		t = &transfer{
			chunks:    make(map[uint32]EmbeddingChunk),
			total:     c.TotalChunks,
			taskID:    c.TaskID,
			startedAt: now,
		}
		r.pending[c.EmbeddingID] = t
	}

	if c.TotalChunks != t.total || c.ChunkIndex >= t.total {
		delete(r.pending, c.EmbeddingID)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: chunk %d of %d outside transfer of %d", ErrChecksumMismatch, c.ChunkIndex, c.TotalChunks, t.total)
	}
	if _, dup := t.chunks[c.ChunkIndex]; dup {
		delete(r.pending, c.EmbeddingID)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate chunk %d", ErrChecksumMismatch, c.ChunkIndex)
	}
	t.chunks[c.ChunkIndex] = c
	t.bytes += len(c.Data)
	if r.maxBytes > 0 && t.bytes > r.maxBytes {
		delete(r.pending, c.EmbeddingID)
		r.mu.Unlock()
		return nil, fmt.Errorf("embedding %s exceeds %d buffered bytes", c.EmbeddingID, r.maxBytes)
	}
	if uint32(len(t.chunks)) < t.total {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.pending, c.EmbeddingID)
	r.mu.Unlock()

	all := make([]EmbeddingChunk, 0, len(t.chunks))
	for _, ch := range t.chunks {
		all = append(all, ch)
	}
	return Assemble(all)
}

// ExpiredTransfer describes a transfer dropped by Expire.
type ExpiredTransfer struct {
	EmbeddingID uuid.UUID
	TaskID      uint64
	Received    int
	Total       uint32
}

// Expire drops transfers started before cutoff and returns them.
func (r *Reassembler) Expire(cutoff time.Time) []ExpiredTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ExpiredTransfer
	for id, t := range r.pending {
		if t.startedAt.Before(cutoff) {
			out = append(out, ExpiredTransfer{EmbeddingID: id, TaskID: t.taskID, Received: len(t.chunks), Total: t.total})
			delete(r.pending, id)
		}
	}
	return out
}

// DropTask discards all partial transfers belonging to taskID.
func (r *Reassembler) DropTask(taskID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, t := range r.pending {
		if t.taskID == taskID {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
