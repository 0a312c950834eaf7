package storage

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// Sealed wraps a backend so that every certificate, manifest, chunk and
// block payload is zstd-compressed and sealed with a key derived from
// the device local key before it reaches the backend. Indexes,
// need-sync flags and checkpoints stay in the clear so the backend can
// query them.
type Sealed struct {
	backend Backend
	key     seal.SecretKey
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func NewSealed(backend Backend, localKey seal.SecretKey) (*Sealed, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Sealed{
		backend: backend,
		key:     localKey.Derive("storage"),
		enc:     enc,
		dec:     dec,
	}, nil
}

func (s *Sealed) seal(data []byte) ([]byte, error) {
	return s.key.Encrypt(s.enc.EncodeAll(data, nil))
}

func (s *Sealed) unseal(data []byte) ([]byte, error) {
	compressed, err := s.key.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("local storage payload: %w", err)
	}
	return s.dec.DecodeAll(compressed, nil)
}

func (s *Sealed) AppendCertificates(ctx context.Context, rows []CertificateRow) error {
	sealed := make([]CertificateRow, len(rows))
	for i, row := range rows {
		raw, err := s.seal(row.Raw)
		if err != nil {
			return err
		}
		row.Raw = raw
		sealed[i] = row
	}
	return s.backend.AppendCertificates(ctx, sealed)
}

func (s *Sealed) ListCertificates(ctx context.Context, offset uint64) ([]CertificateRow, error) {
	rows, err := s.backend.ListCertificates(ctx, offset)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		raw, err := s.unseal(rows[i].Raw)
		if err != nil {
			return nil, err
		}
		rows[i].Raw = raw
	}
	return rows, nil
}

func (s *Sealed) CountCertificates(ctx context.Context) (uint64, error) {
	return s.backend.CountCertificates(ctx)
}

func (s *Sealed) ClearCertificates(ctx context.Context) error {
	return s.backend.ClearCertificates(ctx)
}

func (s *Sealed) GetManifest(ctx context.Context, realmID, vlobID types.VlobID) (ManifestRow, error) {
	row, err := s.backend.GetManifest(ctx, realmID, vlobID)
	if err != nil {
		return ManifestRow{}, err
	}
	blob, err := s.unseal(row.Blob)
	if err != nil {
		return ManifestRow{}, err
	}
	row.Blob = blob
	return row, nil
}

func (s *Sealed) SetManifest(ctx context.Context, realmID types.VlobID, row ManifestRow) error {
	blob, err := s.seal(row.Blob)
	if err != nil {
		return err
	}
	row.Blob = blob
	return s.backend.SetManifest(ctx, realmID, row)
}

func (s *Sealed) ListNeedSync(ctx context.Context, realmID types.VlobID) ([]types.VlobID, error) {
	return s.backend.ListNeedSync(ctx, realmID)
}

func (s *Sealed) GetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) ([]byte, error) {
	data, err := s.backend.GetChunk(ctx, realmID, chunkID)
	if err != nil {
		return nil, err
	}
	return s.unseal(data)
}

func (s *Sealed) SetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID, data []byte) error {
	sealed, err := s.seal(data)
	if err != nil {
		return err
	}
	return s.backend.SetChunk(ctx, realmID, chunkID, sealed)
}

func (s *Sealed) DeleteChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) error {
	return s.backend.DeleteChunk(ctx, realmID, chunkID)
}

func (s *Sealed) GetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID) ([]byte, error) {
	data, err := s.backend.GetBlock(ctx, realmID, blockID)
	if err != nil {
		return nil, err
	}
	return s.unseal(data)
}

func (s *Sealed) SetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID, data []byte) error {
	sealed, err := s.seal(data)
	if err != nil {
		return err
	}
	return s.backend.SetBlock(ctx, realmID, blockID, sealed)
}

func (s *Sealed) GetCheckpoint(ctx context.Context, realmID types.VlobID) (uint64, error) {
	return s.backend.GetCheckpoint(ctx, realmID)
}

func (s *Sealed) SetCheckpoint(ctx context.Context, realmID types.VlobID, checkpoint uint64) error {
	return s.backend.SetCheckpoint(ctx, realmID, checkpoint)
}

func (s *Sealed) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.backend.Close()
}
