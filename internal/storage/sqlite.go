package storage

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS certificates (
	idx INTEGER PRIMARY KEY,
	scope TEXT NOT NULL,
	timestamp_us INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	raw BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS manifests (
	realm_id TEXT NOT NULL,
	vlob_id TEXT NOT NULL,
	base_version INTEGER NOT NULL,
	need_sync INTEGER NOT NULL,
	blob BLOB NOT NULL,
	PRIMARY KEY (realm_id, vlob_id)
);
CREATE INDEX IF NOT EXISTS manifests_need_sync ON manifests (realm_id, need_sync);
CREATE TABLE IF NOT EXISTS chunks (
	realm_id TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (realm_id, chunk_id)
);
CREATE TABLE IF NOT EXISTS blocks (
	realm_id TEXT NOT NULL,
	block_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (realm_id, block_id)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	realm_id TEXT PRIMARY KEY,
	checkpoint INTEGER NOT NULL
);
`

// SQLiteBackend is the default local store, one database file per
// device. Writes are serialized by SQLite; the pool gives concurrent
// readers their own connections.
type SQLiteBackend struct {
	pool *sqlitex.Pool
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend: path is required")
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON;", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: opening %s: %w", path, err)
	}
	backend := &SQLiteBackend{pool: pool}
	if err := backend.withConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	}); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("sqlite backend: schema: %w", err)
	}
	return backend, nil
}

func (b *SQLiteBackend) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)
	return fn(conn)
}

func (b *SQLiteBackend) AppendCertificates(ctx context.Context, rows []CertificateRow) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		for _, row := range rows {
			err = sqlitex.Execute(conn,
				"INSERT INTO certificates (scope, timestamp_us, content_hash, raw) VALUES (?, ?, ?, ?)",
				&sqlitex.ExecOptions{Args: []any{row.Scope, row.Timestamp.UnixMicro(), row.ContentHash, row.Raw}})
			if err != nil {
				return err
			}
		}
		return err
	})
}

func (b *SQLiteBackend) ListCertificates(ctx context.Context, offset uint64) ([]CertificateRow, error) {
	var out []CertificateRow
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT idx, scope, timestamp_us, content_hash, raw FROM certificates ORDER BY idx LIMIT -1 OFFSET ?",
			&sqlitex.ExecOptions{
				Args: []any{int64(offset)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					raw := make([]byte, stmt.ColumnLen(4))
					stmt.ColumnBytes(4, raw)
					out = append(out, CertificateRow{
						Index:       uint64(stmt.ColumnInt64(0)),
						Scope:       stmt.ColumnText(1),
						Timestamp:   types.DateTimeFrom(microTime(stmt.ColumnInt64(2))),
						ContentHash: stmt.ColumnText(3),
						Raw:         raw,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *SQLiteBackend) CountCertificates(ctx context.Context) (uint64, error) {
	var count uint64
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM certificates", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	})
	return count, err
}

func (b *SQLiteBackend) ClearCertificates(ctx context.Context) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM certificates", nil)
	})
}

func (b *SQLiteBackend) GetManifest(ctx context.Context, realmID, vlobID types.VlobID) (ManifestRow, error) {
	row := ManifestRow{VlobID: vlobID}
	found := false
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT base_version, need_sync, blob FROM manifests WHERE realm_id = ? AND vlob_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{realmID.String(), vlobID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					row.BaseVersion = uint32(stmt.ColumnInt64(0))
					row.NeedSync = stmt.ColumnInt64(1) != 0
					blob := make([]byte, stmt.ColumnLen(2))
					stmt.ColumnBytes(2, blob)
					row.Blob = blob
					return nil
				},
			})
	})
	if err != nil {
		return ManifestRow{}, err
	}
	if !found {
		return ManifestRow{}, ErrNotInStorage
	}
	return row, nil
}

func (b *SQLiteBackend) SetManifest(ctx context.Context, realmID types.VlobID, row ManifestRow) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO manifests (realm_id, vlob_id, base_version, need_sync, blob) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (realm_id, vlob_id)
			 DO UPDATE SET base_version = excluded.base_version, need_sync = excluded.need_sync, blob = excluded.blob`,
			&sqlitex.ExecOptions{Args: []any{
				realmID.String(), row.VlobID.String(), int64(row.BaseVersion), boolToInt(row.NeedSync), row.Blob,
			}})
	})
}

func (b *SQLiteBackend) ListNeedSync(ctx context.Context, realmID types.VlobID) ([]types.VlobID, error) {
	var out []types.VlobID
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT vlob_id FROM manifests WHERE realm_id = ? AND need_sync = 1 ORDER BY vlob_id",
			&sqlitex.ExecOptions{
				Args: []any{realmID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := types.ParseVlobID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					out = append(out, id)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *SQLiteBackend) GetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) ([]byte, error) {
	return b.getPayload(ctx, "SELECT data FROM chunks WHERE realm_id = ? AND chunk_id = ?", realmID.String(), chunkID.String())
}

func (b *SQLiteBackend) SetChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID, data []byte) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO chunks (realm_id, chunk_id, data) VALUES (?, ?, ?)
			 ON CONFLICT (realm_id, chunk_id) DO UPDATE SET data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{realmID.String(), chunkID.String(), data}})
	})
}

func (b *SQLiteBackend) DeleteChunk(ctx context.Context, realmID types.VlobID, chunkID types.ChunkID) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"DELETE FROM chunks WHERE realm_id = ? AND chunk_id = ?",
			&sqlitex.ExecOptions{Args: []any{realmID.String(), chunkID.String()}})
	})
}

func (b *SQLiteBackend) GetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID) ([]byte, error) {
	return b.getPayload(ctx, "SELECT data FROM blocks WHERE realm_id = ? AND block_id = ?", realmID.String(), blockID.String())
}

func (b *SQLiteBackend) SetBlock(ctx context.Context, realmID types.VlobID, blockID types.BlockID, data []byte) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO blocks (realm_id, block_id, data) VALUES (?, ?, ?)
			 ON CONFLICT (realm_id, block_id) DO UPDATE SET data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{realmID.String(), blockID.String(), data}})
	})
}

func (b *SQLiteBackend) getPayload(ctx context.Context, query string, args ...any) ([]byte, error) {
	var data []byte
	found := false
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInStorage
	}
	return data, nil
}

func (b *SQLiteBackend) GetCheckpoint(ctx context.Context, realmID types.VlobID) (uint64, error) {
	var checkpoint uint64
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT checkpoint FROM checkpoints WHERE realm_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{realmID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					checkpoint = uint64(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	return checkpoint, err
}

func (b *SQLiteBackend) SetCheckpoint(ctx context.Context, realmID types.VlobID, checkpoint uint64) error {
	return b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO checkpoints (realm_id, checkpoint) VALUES (?, ?)
			 ON CONFLICT (realm_id) DO UPDATE SET checkpoint = excluded.checkpoint`,
			&sqlitex.ExecOptions{Args: []any{realmID.String(), int64(checkpoint)}})
	})
}

func (b *SQLiteBackend) Close() error {
	return b.pool.Close()
}

func microTime(us int64) time.Time {
	return time.UnixMicro(us)
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
