// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists session records in SQLite. It is the durable
// mirror behind the in-memory registry: upserted on every meaningful
// transition, read back only at process start (restoration) and for
// debugging. Store errors never propagate into the live lifecycle.
//
// Each record row carries the status as a queryable column, the rest
// of the record as a deterministically encoded CBOR body, and the QR
// payload as a separately compressed blob. A keyed BLAKE3 hash over
// the encoded content turns repeated identical upserts (activity
// stamps arrive often) into cheap no-ops.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/msgfleet/msgfleet/lib/codec"
	"github.com/msgfleet/msgfleet/lib/sqlitepool"
	"github.com/msgfleet/msgfleet/session"
)

// recordHashKey is the 32-byte BLAKE3 key for content hashing. Keyed
// hashing keeps these digests distinct from any other BLAKE3 use of
// the same bytes.
const recordHashKey = "msgfleet session record hash v1!"

const schema = `
CREATE TABLE IF NOT EXISTS session_records (
	session_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	body         BLOB NOT NULL,
	qr_blob      BLOB NOT NULL,
	content_hash BLOB NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_records_by_status
	ON session_records (status);
`

// recordBody is the CBOR-encoded portion of a row. The status is
// duplicated into its own column for FindByStatus; the body stays the
// single source for decoding.
type recordBody struct {
	SessionID      string    `cbor:"session_id"`
	SealedIdentity string    `cbor:"sealed_identity,omitempty"`
	Status         string    `cbor:"status"`
	PhoneNumber    string    `cbor:"phone_number,omitempty"`
	LastActiveAt   time.Time `cbor:"last_active_at"`
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file, created if absent. In-memory
	// databases are not supported by the pool; tests point this at a
	// file under t.TempDir().
	Path string

	// PoolSize is passed through to the connection pool.
	PoolSize int

	// Logger receives store messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the SQLite-backed persistence gateway. Safe for concurrent
// use.
type Store struct {
	pool       *sqlitepool.Pool
	logger     *slog.Logger
	compressor *zstd.Encoder
	expander   *zstd.Decoder
}

var _ session.Store = (*Store)(nil)

// Open opens the database, creating the schema if needed.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating zstd encoder: %w", err)
	}
	expander, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating zstd decoder: %w", err)
	}

	return &Store{
		pool:       pool,
		logger:     logger,
		compressor: compressor,
		expander:   expander,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Upsert writes the record, replacing any previous row for the same
// session id. A record whose encoded content matches the stored hash
// is skipped without writing.
func (s *Store) Upsert(ctx context.Context, record session.PersistRecord) error {
	body, err := codec.Marshal(recordBody{
		SessionID:      record.SessionID,
		SealedIdentity: record.SealedIdentity,
		Status:         string(record.Status),
		PhoneNumber:    record.PhoneNumber,
		LastActiveAt:   record.LastActiveAt.UTC().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("store: encoding record %s: %w", record.SessionID, err)
	}
	qrBlob := s.compressBlob([]byte(record.QRCode))
	contentHash := hashRecord(body, qrBlob)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var previousHash []byte
	err = sqlitex.Execute(conn,
		`SELECT content_hash FROM session_records WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{record.SessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				previousHash = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, previousHash)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: reading hash for %s: %w", record.SessionID, err)
	}
	if string(previousHash) == string(contentHash) {
		return nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO session_records
			(session_id, status, body, qr_blob, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body,
			qr_blob = excluded.qr_blob,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.SessionID,
				string(record.Status),
				body,
				qrBlob,
				contentHash,
				record.LastActiveAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: upserting %s: %w", record.SessionID, err)
	}
	return nil
}

// Delete removes the record. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM session_records WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{sessionID}})
	if err != nil {
		return fmt.Errorf("store: deleting %s: %w", sessionID, err)
	}
	return nil
}

// Find returns the record for one session id. The boolean is false
// when no row exists.
func (s *Store) Find(ctx context.Context, sessionID string) (session.PersistRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return session.PersistRecord{}, false, err
	}
	defer s.pool.Put(conn)

	var record session.PersistRecord
	found := false
	err = sqlitex.Execute(conn,
		`SELECT body, qr_blob FROM session_records WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := s.decodeRow(stmt)
				if err != nil {
					return err
				}
				record = decoded
				found = true
				return nil
			},
		})
	if err != nil {
		return session.PersistRecord{}, false, fmt.Errorf("store: finding %s: %w", sessionID, err)
	}
	return record, found, nil
}

// FindByStatus returns every record with the given status, ordered by
// session id. The restore path uses this to collect ready sessions.
func (s *Store) FindByStatus(ctx context.Context, status session.State) ([]session.PersistRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []session.PersistRecord
	err = sqlitex.Execute(conn,
		`SELECT body, qr_blob FROM session_records
		 WHERE status = ? ORDER BY session_id`,
		&sqlitex.ExecOptions{
			Args: []any{string(status)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := s.decodeRow(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding by status %s: %w", status, err)
	}
	return records, nil
}

// List returns every record, ordered by session id.
func (s *Store) List(ctx context.Context) ([]session.PersistRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []session.PersistRecord
	err = sqlitex.Execute(conn,
		`SELECT body, qr_blob FROM session_records ORDER BY session_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := s.decodeRow(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing records: %w", err)
	}
	return records, nil
}

// decodeRow rebuilds a PersistRecord from a (body, qr_blob) result
// row.
func (s *Store) decodeRow(stmt *sqlite.Stmt) (session.PersistRecord, error) {
	body := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, body)
	qrBlob := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, qrBlob)

	var decoded recordBody
	if err := codec.Unmarshal(body, &decoded); err != nil {
		return session.PersistRecord{}, fmt.Errorf("store: decoding record body: %w", err)
	}
	qrCode, err := s.expandBlob(qrBlob)
	if err != nil {
		return session.PersistRecord{}, fmt.Errorf("store: decoding qr blob for %s: %w", decoded.SessionID, err)
	}

	return session.PersistRecord{
		SessionID:      decoded.SessionID,
		SealedIdentity: decoded.SealedIdentity,
		Status:         session.State(decoded.Status),
		PhoneNumber:    decoded.PhoneNumber,
		QRCode:         string(qrCode),
		LastActiveAt:   decoded.LastActiveAt,
	}, nil
}

func hashRecord(body, qrBlob []byte) []byte {
	hasher, err := blake3.NewKeyed([]byte(recordHashKey))
	if err != nil {
		// The key is a compile-time constant of the right length.
		panic(fmt.Sprintf("store: blake3 key: %v", err))
	}
	hasher.Write(body)
	hasher.Write(qrBlob)
	return hasher.Sum(nil)
}
