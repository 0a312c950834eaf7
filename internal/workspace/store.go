package workspace

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// Store is the manifest cache of one realm over the storage backend.
// Writes persist before they populate the cache, so the cache never
// holds state the backend could lose.
type Store struct {
	realmID types.VlobID
	backend storage.Backend

	fetchGroup singleflight.Group

	mu    sync.Mutex
	cache map[types.VlobID]*LocalManifest
}

func NewStore(realmID types.VlobID, backend storage.Backend) *Store {
	return &Store{
		realmID: realmID,
		backend: backend,
		cache:   map[types.VlobID]*LocalManifest{},
	}
}

// Get returns the local manifest of an entry, storage.ErrNotInStorage
// when the entry was never seen. Callers get a private copy.
func (s *Store) Get(ctx context.Context, id types.VlobID) (*LocalManifest, error) {
	s.mu.Lock()
	if cached, ok := s.cache[id]; ok {
		out := cached.clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	row, err := s.backend.GetManifest(ctx, s.realmID, id)
	if err != nil {
		return nil, err
	}
	m, err := decodeLocalManifest(row.Blob)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = m
	out := m.clone()
	s.mu.Unlock()
	return out, nil
}

// Set persists then caches the manifest.
func (s *Store) Set(ctx context.Context, m *LocalManifest) error {
	blob, err := encodeLocalManifest(m)
	if err != nil {
		return err
	}
	row := storage.ManifestRow{
		VlobID:      m.Entry.ID,
		BaseVersion: m.BaseVersion,
		NeedSync:    m.NeedSync,
		Blob:        blob,
	}
	if err := s.backend.SetManifest(ctx, s.realmID, row); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[m.Entry.ID] = m.clone()
	s.mu.Unlock()
	return nil
}

// FetchOnce collapses concurrent remote fetches of the same entry into
// a single flight.
func (s *Store) FetchOnce(id types.VlobID, fetch func() (*LocalManifest, error)) (*LocalManifest, error) {
	v, err, _ := s.fetchGroup.Do(id.String(), func() (any, error) {
		return fetch()
	})
	if err != nil {
		return nil, err
	}
	return v.(*LocalManifest), nil
}

func (s *Store) ListNeedSync(ctx context.Context) ([]types.VlobID, error) {
	return s.backend.ListNeedSync(ctx, s.realmID)
}

func (s *Store) GetChunk(ctx context.Context, id types.ChunkID) ([]byte, error) {
	return s.backend.GetChunk(ctx, s.realmID, id)
}

func (s *Store) SetChunk(ctx context.Context, id types.ChunkID, data []byte) error {
	return s.backend.SetChunk(ctx, s.realmID, id, data)
}

func (s *Store) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	return s.backend.DeleteChunk(ctx, s.realmID, id)
}

func (s *Store) GetBlock(ctx context.Context, id types.BlockID) ([]byte, error) {
	return s.backend.GetBlock(ctx, s.realmID, id)
}

func (s *Store) SetBlock(ctx context.Context, id types.BlockID, data []byte) error {
	return s.backend.SetBlock(ctx, s.realmID, id, data)
}

func (s *Store) Checkpoint(ctx context.Context) (uint64, error) {
	return s.backend.GetCheckpoint(ctx, s.realmID)
}

func (s *Store) SetCheckpoint(ctx context.Context, checkpoint uint64) error {
	return s.backend.SetCheckpoint(ctx, s.realmID, checkpoint)
}
