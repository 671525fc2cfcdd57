// Package ledger is the authoritative record of where memory artifacts
// actually live. It persists memories, their concrete assets and the storage
// edges asserting per-backend presence, and keeps the derived storage
// counters consistent with the edge rows inside every mutating transaction.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// Store implements the storage edge ledger over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database, configures WAL mode, and creates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent
	// load; WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// ErrMemoryNotFound is returned when no memory row exists for an id.
var ErrMemoryNotFound = errors.New("memory not found")

// EdgeParams seeds an edge upsert. Present, SyncState and timestamps are
// owned by the ledger.
type EdgeParams struct {
	Key         interfaces.EdgeKey
	Location    string
	ContentHash string
	SizeBytes   int64
}

// RecordUpload creates the memory row, its original asset row and the
// accompanying edges in one transaction, so an edge can never reference a
// nonexistent asset and a memory can never appear without its metadata edge.
func (s *Store) RecordUpload(ctx context.Context, memory *interfaces.Memory, asset *interfaces.MemoryAsset, edges []EdgeParams) error {
	if memory == nil || asset == nil {
		return fmt.Errorf("memory and asset are required")
	}

	now := time.Now().UTC()
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = now
	}
	memory.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMemory(ctx, tx, memory); err != nil {
		return err
	}

	if err := upsertAsset(ctx, tx, asset, now); err != nil {
		return err
	}

	for _, params := range edges {
		if err := upsertEdge(ctx, tx, params, now); err != nil {
			return err
		}
	}

	if err := recomputeStorage(ctx, tx, memory.ID, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload record: %w", err)
	}

	// Reflect the derived fields back onto the caller's copy.
	refreshed, err := s.GetMemory(ctx, memory.ID)
	if err == nil {
		memory.StorageCount = refreshed.StorageCount
		memory.StorageLocations = refreshed.StorageLocations
	}
	return nil
}

// GetMemory loads one memory row.
func (s *Store) GetMemory(ctx context.Context, id string) (*interfaces.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, type, visibility, storage_count,
		       storage_locations, storage_duration_secs,
		       created_at, updated_at, deleted_at
		FROM memories WHERE id = ?`, id)

	return scanMemory(row)
}

// ListExpired returns memories whose retention horizon has passed. A memory
// with any asset still pending or processing is held back: in-flight
// derivative work blocks reaping instead of racing it.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*interfaces.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.owner_id, m.type, m.visibility, m.storage_count,
		       m.storage_locations, m.storage_duration_secs,
		       m.created_at, m.updated_at, m.deleted_at
		FROM memories m
		WHERE m.storage_duration_secs IS NOT NULL
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM memory_assets a
			WHERE a.memory_id = m.id
			  AND a.processing_status IN ('pending', 'processing')
		  )`)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired memories: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if deadline := memory.ExpiresAt(); !deadline.IsZero() && deadline.Before(now) {
			out = append(out, memory)
		}
	}
	return out, rows.Err()
}

// DeleteMemory hard-deletes the memory, its assets and its edges in one
// transaction and returns the number of edges removed. Callers are
// responsible for backend cleanup beforehand; logical deletion never waits
// on physical deletion.
func (s *Store) DeleteMemory(ctx context.Context, id string, memoryType interfaces.MemoryType) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM storage_edges WHERE memory_id = ? AND memory_type = ?`, id, string(memoryType))
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges: %w", err)
	}
	edgeCount, _ := result.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_assets WHERE memory_id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete assets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	return int(edgeCount), nil
}

func insertMemory(ctx context.Context, tx *sql.Tx, memory *interfaces.Memory) error {
	locations, err := json.Marshal(memory.StorageLocations)
	if err != nil {
		return fmt.Errorf("failed to marshal storage locations: %w", err)
	}
	if memory.StorageLocations == nil {
		locations = []byte("[]")
	}

	var durationSecs sql.NullInt64
	if memory.StorageDuration != nil {
		durationSecs = sql.NullInt64{Int64: int64(memory.StorageDuration.Seconds()), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, owner_id, type, visibility, storage_count,
			storage_locations, storage_duration_secs,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		memory.ID,
		memory.OwnerID,
		string(memory.Type),
		string(memory.Visibility),
		memory.StorageCount,
		string(locations),
		durationSecs,
		memory.CreatedAt,
		memory.UpdatedAt,
		nullableTime(memory.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// recomputeStorage rederives storage_count and storage_locations from the
// edge rows. Runs inside every transaction that mutates edges so the
// invariant storage_count == |{edges: present}| holds at commit.
func recomputeStorage(ctx context.Context, tx *sql.Tx, memoryID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT backend FROM storage_edges
		WHERE memory_id = ? AND present = 1
		ORDER BY backend`, memoryID)
	if err != nil {
		return fmt.Errorf("failed to query present backends: %w", err)
	}
	defer rows.Close()

	var backends []interfaces.BackendKind
	for rows.Next() {
		var backend string
		if err := rows.Scan(&backend); err != nil {
			return err
		}
		backends = append(backends, interfaces.BackendKind(backend))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM storage_edges
		WHERE memory_id = ? AND present = 1`, memoryID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count present edges: %w", err)
	}

	locations, err := json.Marshal(backends)
	if err != nil {
		return err
	}
	if backends == nil {
		locations = []byte("[]")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET storage_count = ?, storage_locations = ?, updated_at = ?
		WHERE id = ?`,
		count, string(locations), now, memoryID)
	if err != nil {
		return fmt.Errorf("failed to update storage counters: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*interfaces.Memory, error) {
	var (
		memory       interfaces.Memory
		memType      string
		visibility   string
		locations    string
		durationSecs sql.NullInt64
		deletedAt    sql.NullTime
	)

	err := row.Scan(
		&memory.ID,
		&memory.OwnerID,
		&memType,
		&visibility,
		&memory.StorageCount,
		&locations,
		&durationSecs,
		&memory.CreatedAt,
		&memory.UpdatedAt,
		&deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	memory.Type = interfaces.MemoryType(memType)
	memory.Visibility = interfaces.Visibility(visibility)
	if err := json.Unmarshal([]byte(locations), &memory.StorageLocations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage locations: %w", err)
	}
	if durationSecs.Valid {
		d := time.Duration(durationSecs.Int64) * time.Second
		memory.StorageDuration = &d
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		memory.DeletedAt = &t
	}
	return &memory, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
