// Package storage is the local persisted state of one device: the
// append-only certificate log, encrypted manifests with their need-sync
// flags, chunk and block payloads, and per-realm checkpoints. Backends
// store opaque bytes; sealing happens in the Sealed wrapper so every
// backend persists ciphertext only.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

var (
	ErrNotInStorage = errors.New("not in storage")
	ErrClosed       = errors.New("storage closed")
)

// CertificateRow is one entry of the append-only certificate log.
// Index is 1-based insertion order.
type CertificateRow struct {
	Index       uint64
	Scope       string
	Timestamp   types.DateTime
	ContentHash string
	Raw         []byte
}

type ManifestRow struct {
	VlobID      types.VlobID
	BaseVersion uint32
	NeedSync    bool
	Blob        []byte
}

type Backend interface {
	AppendCertificates(ctx context.Context, rows []CertificateRow) error
	ListCertificates(ctx context.Context, offset uint64) ([]CertificateRow, error)
	CountCertificates(ctx context.Context) (uint64, error)
	// ClearCertificates wipes the log; used by the redaction switch
	// when the local profile becomes Outsider.
	ClearCertificates(ctx context.Context) error

	GetManifest(ctx context.Context, realmID, vlobID types.VlobID) (ManifestRow, error)
	SetManifest(ctx context.Context, realmID types.VlobID, row ManifestRow) error
	ListNeedSync(ctx context.Context, realmID types.VlobID) ([]types.VlobID, error)

	GetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) ([]byte, error)
	SetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID, data []byte) error
	DeleteChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) error

	GetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID) ([]byte, error)
	SetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID, data []byte) error

	GetCheckpoint(ctx context.Context, realmID types.VlobID) (uint64, error)
	SetCheckpoint(ctx context.Context, realmID types.VlobID, checkpoint uint64) error

	Close() error
}

type memoryBackend struct {
	mu           sync.Mutex
	closed       bool
	certificates []CertificateRow
	manifests    map[types.VlobID]map[types.VlobID]ManifestRow
	chunks       map[types.VlobID]map[types.ChunkID][]byte
	blocks       map[types.VlobID]map[types.BlockID][]byte
	checkpoints  map[types.VlobID]uint64
}

func NewMemoryBackend() Backend {
	return &memoryBackend{
		manifests:   map[types.VlobID]map[types.VlobID]ManifestRow{},
		chunks:      map[types.VlobID]map[types.ChunkID][]byte{},
		blocks:      map[types.VlobID]map[types.BlockID][]byte{},
		checkpoints: map[types.VlobID]uint64{},
	}
}

func (b *memoryBackend) guard() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *memoryBackend) AppendCertificates(ctx context.Context, rows []CertificateRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	for _, row := range rows {
		row.Index = uint64(len(b.certificates)) + 1
		row.Raw = append([]byte(nil), row.Raw...)
		b.certificates = append(b.certificates, row)
	}
	return nil
}

func (b *memoryBackend) ListCertificates(ctx context.Context, offset uint64) ([]CertificateRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return nil, err
	}
	if offset >= uint64(len(b.certificates)) {
		return nil, nil
	}
	tail := b.certificates[offset:]
	out := make([]CertificateRow, len(tail))
	copy(out, tail)
	return out, nil
}

func (b *memoryBackend) CountCertificates(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return 0, err
	}
	return uint64(len(b.certificates)), nil
}

func (b *memoryBackend) ClearCertificates(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	b.certificates = nil
	return nil
}

func (b *memoryBackend) GetManifest(ctx context.Context, realmID, vlobID types.VlobID) (ManifestRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return ManifestRow{}, err
	}
	row, ok := b.manifests[realmID][vlobID]
	if !ok {
		return ManifestRow{}, ErrNotInStorage
	}
	row.Blob = append([]byte(nil), row.Blob...)
	return row, nil
}

func (b *memoryBackend) SetManifest(ctx context.Context, realmID types.VlobID, row ManifestRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	realm, ok := b.manifests[realmID]
	if !ok {
		realm = map[types.VlobID]ManifestRow{}
		b.manifests[realmID] = realm
	}
	row.Blob = append([]byte(nil), row.Blob...)
	realm[row.VlobID] = row
	return nil
}

func (b *memoryBackend) ListNeedSync(ctx context.Context, realmID types.VlobID) ([]types.VlobID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return nil, err
	}
	var out []types.VlobID
	for vlobID, row := range b.manifests[realmID] {
		if row.NeedSync {
			out = append(out, vlobID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (b *memoryBackend) GetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return nil, err
	}
	data, ok := b.chunks[realmID][chunkID]
	if !ok {
		return nil, ErrNotInStorage
	}
	return append([]byte(nil), data...), nil
}

func (b *memoryBackend) SetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	realm, ok := b.chunks[realmID]
	if !ok {
		realm = map[types.ChunkID][]byte{}
		b.chunks[realmID] = realm
	}
	realm[chunkID] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBackend) DeleteChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	delete(b.chunks[realmID], chunkID)
	return nil
}

func (b *memoryBackend) GetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return nil, err
	}
	data, ok := b.blocks[realmID][blockID]
	if !ok {
		return nil, ErrNotInStorage
	}
	return append([]byte(nil), data...), nil
}

func (b *memoryBackend) SetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	realm, ok := b.blocks[realmID]
	if !ok {
		realm = map[types.BlockID][]byte{}
		b.blocks[realmID] = realm
	}
	realm[blockID] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBackend) GetCheckpoint(ctx context.Context, realmID types.VlobID) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return 0, err
	}
	return b.checkpoints[realmID], nil
}

func (b *memoryBackend) SetCheckpoint(ctx context.Context, realmID types.VlobID, checkpoint uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	b.checkpoints[realmID] = checkpoint
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
