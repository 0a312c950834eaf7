package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the same state as the SQLite backend in a
// shared postgres database, for deployments where several agent hosts
// share one durable store. Rows are still ciphertext.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend: dsn is required")
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := []string{
			`CREATE TABLE IF NOT EXISTS certificates (
				idx BIGSERIAL PRIMARY KEY,
				scope TEXT NOT NULL,
				timestamp_us BIGINT NOT NULL,
				content_hash TEXT NOT NULL,
				raw BYTEA NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS manifests (
				realm_id TEXT NOT NULL,
				vlob_id TEXT NOT NULL,
				base_version BIGINT NOT NULL,
				need_sync BOOLEAN NOT NULL,
				blob BYTEA NOT NULL,
				PRIMARY KEY (realm_id, vlob_id)
			)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				realm_id TEXT NOT NULL,
				chunk_id TEXT NOT NULL,
				data BYTEA NOT NULL,
				PRIMARY KEY (realm_id, chunk_id)
			)`,
			`CREATE TABLE IF NOT EXISTS blocks (
				realm_id TEXT NOT NULL,
				block_id TEXT NOT NULL,
				data BYTEA NOT NULL,
				PRIMARY KEY (realm_id, block_id)
			)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				realm_id TEXT PRIMARY KEY,
				checkpoint BIGINT NOT NULL
			)`,
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				b.initErr = err
				_ = db.Close()
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (b *PostgresBackend) AppendCertificates(ctx context.Context, rows []CertificateRow) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	tx, err := b.db.BeginTx(opCtx, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(opCtx,
			"INSERT INTO certificates (scope, timestamp_us, content_hash, raw) VALUES ($1, $2, $3, $4)",
			row.Scope, row.Timestamp.UnixMicro(), row.ContentHash, row.Raw); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *PostgresBackend) ListCertificates(ctx context.Context, offset uint64) ([]CertificateRow, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(opCtx,
		"SELECT idx, scope, timestamp_us, content_hash, raw FROM certificates ORDER BY idx OFFSET $1", int64(offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CertificateRow
	index := offset
	for rows.Next() {
		var row CertificateRow
		var us int64
		if err := rows.Scan(&row.Index, &row.Scope, &us, &row.ContentHash, &row.Raw); err != nil {
			return nil, err
		}
		index++
		// BIGSERIAL indexes can have gaps after a ClearCertificates;
		// expose the dense 1-based position instead.
		row.Index = index
		row.Timestamp = types.DateTimeFrom(microTime(us))
		out = append(out, row)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) CountCertificates(ctx context.Context) (uint64, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	var count uint64
	err := b.db.QueryRowContext(opCtx, "SELECT COUNT(*) FROM certificates").Scan(&count)
	return count, err
}

func (b *PostgresBackend) ClearCertificates(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(opCtx, "DELETE FROM certificates")
	return err
}

func (b *PostgresBackend) GetManifest(ctx context.Context, realmID, vlobID types.VlobID) (ManifestRow, error) {
	if err := b.ensureReady(); err != nil {
		return ManifestRow{}, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	row := ManifestRow{VlobID: vlobID}
	err := b.db.QueryRowContext(opCtx,
		"SELECT base_version, need_sync, blob FROM manifests WHERE realm_id = $1 AND vlob_id = $2",
		realmID.String(), vlobID.String()).Scan(&row.BaseVersion, &row.NeedSync, &row.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ManifestRow{}, ErrNotInStorage
	}
	if err != nil {
		return ManifestRow{}, err
	}
	return row, nil
}

func (b *PostgresBackend) SetManifest(ctx context.Context, realmID types.VlobID, row ManifestRow) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(opCtx,
		`INSERT INTO manifests (realm_id, vlob_id, base_version, need_sync, blob) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (realm_id, vlob_id)
		 DO UPDATE SET base_version = EXCLUDED.base_version, need_sync = EXCLUDED.need_sync, blob = EXCLUDED.blob`,
		realmID.String(), row.VlobID.String(), int64(row.BaseVersion), row.NeedSync, row.Blob)
	return err
}

func (b *PostgresBackend) ListNeedSync(ctx context.Context, realmID types.VlobID) ([]types.VlobID, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(opCtx,
		"SELECT vlob_id FROM manifests WHERE realm_id = $1 AND need_sync ORDER BY vlob_id", realmID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.VlobID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := types.ParseVlobID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) GetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) ([]byte, error) {
	return b.getPayload(ctx, "SELECT data FROM chunks WHERE realm_id = $1 AND chunk_id = $2", realmID.String(), chunkID.String())
}

func (b *PostgresBackend) SetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID, data []byte) error {
	return b.setPayload(ctx,
		`INSERT INTO chunks (realm_id, chunk_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (realm_id, chunk_id) DO UPDATE SET data = EXCLUDED.data`,
		realmID.String(), chunkID.String(), data)
}

func (b *PostgresBackend) DeleteChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(opCtx,
		"DELETE FROM chunks WHERE realm_id = $1 AND chunk_id = $2", realmID.String(), chunkID.String())
	return err
}

func (b *PostgresBackend) GetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID) ([]byte, error) {
	return b.getPayload(ctx, "SELECT data FROM blocks WHERE realm_id = $1 AND block_id = $2", realmID.String(), blockID.String())
}

func (b *PostgresBackend) SetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID, data []byte) error {
	return b.setPayload(ctx,
		`INSERT INTO blocks (realm_id, block_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (realm_id, block_id) DO UPDATE SET data = EXCLUDED.data`,
		realmID.String(), blockID.String(), data)
}

func (b *PostgresBackend) getPayload(ctx context.Context, query string, args ...any) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	var data []byte
	err := b.db.QueryRowContext(opCtx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInStorage
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *PostgresBackend) setPayload(ctx context.Context, query string, args ...any) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(opCtx, query, args...)
	return err
}

func (b *PostgresBackend) GetCheckpoint(ctx context.Context, realmID types.VlobID) (uint64, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	var checkpoint uint64
	err := b.db.QueryRowContext(opCtx,
		"SELECT checkpoint FROM checkpoints WHERE realm_id = $1", realmID.String()).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return checkpoint, err
}

func (b *PostgresBackend) SetCheckpoint(ctx context.Context, realmID types.VlobID, checkpoint uint64) error {
	return b.setPayload(ctx,
		`INSERT INTO checkpoints (realm_id, checkpoint) VALUES ($1, $2)
		 ON CONFLICT (realm_id) DO UPDATE SET checkpoint = EXCLUDED.checkpoint`,
		realmID.String(), int64(checkpoint))
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
