package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// CreateEdge records that an artifact of a memory is present on a backend.
// The operation is an idempotent upsert on the natural key: calling it twice
// yields one row reflecting the latest values. The owning memory's storage
// counters are recomputed in the same transaction.
func (s *Store) CreateEdge(ctx context.Context, params EdgeParams) (*interfaces.StorageEdge, error) {
	if !params.Key.Artifact.Valid() {
		return nil, fmt.Errorf("invalid artifact kind %q", params.Key.Artifact)
	}
	if !params.Key.Backend.Valid() {
		return nil, fmt.Errorf("invalid backend kind %q", params.Key.Backend)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertEdge(ctx, tx, params, now); err != nil {
		return nil, err
	}

	if err := recomputeStorage(ctx, tx, params.Key.MemoryID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit edge: %w", err)
	}

	return s.GetEdge(ctx, params.Key)
}

func upsertEdge(ctx context.Context, tx *sql.Tx, params EdgeParams, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO storage_edges (
			memory_id, memory_type, artifact, backend,
			present, location, content_hash, size_bytes,
			sync_state, sync_error, last_synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, 'idle', '', ?, ?, ?)
		ON CONFLICT(memory_id, memory_type, artifact, backend) DO UPDATE SET
			present = 1,
			location = excluded.location,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			sync_state = 'idle',
			sync_error = '',
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at`,
		params.Key.MemoryID,
		string(params.Key.MemoryType),
		string(params.Key.Artifact),
		string(params.Key.Backend),
		params.Location,
		nullableString(params.ContentHash),
		params.SizeBytes,
		now,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

// GetEdge loads one edge by its natural key. Returns
// interfaces.ErrEdgeNotFound when the edge was never attempted, which is
// distinct from an edge with Present == false.
func (s *Store) GetEdge(ctx context.Context, key interfaces.EdgeKey) (*interfaces.StorageEdge, error) {
	row := s.db.QueryRowContext(ctx, edgeSelect+`
		WHERE memory_id = ? AND memory_type = ? AND artifact = ? AND backend = ?`,
		key.MemoryID, string(key.MemoryType), string(key.Artifact), string(key.Backend))

	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrEdgeNotFound
	}
	return edge, err
}

// EdgesForMemory returns every edge recorded for a memory.
func (s *Store) EdgesForMemory(ctx context.Context, memoryID string, memoryType interfaces.MemoryType) ([]*interfaces.StorageEdge, error) {
	rows, err := s.db.QueryContext(ctx, edgeSelect+`
		WHERE memory_id = ? AND memory_type = ?
		ORDER BY artifact, backend`,
		memoryID, string(memoryType))
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	return collectEdges(rows)
}

// EdgesByState returns the edges in one sync state, feeding the external
// reconciliation sweep.
func (s *Store) EdgesByState(ctx context.Context, state interfaces.SyncState) ([]*interfaces.StorageEdge, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid sync state %q", state)
	}

	rows, err := s.db.QueryContext(ctx, edgeSelect+`
		WHERE sync_state = ?
		ORDER BY updated_at`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to query edges by state: %w", err)
	}
	defer rows.Close()

	return collectEdges(rows)
}

// MarkSyncState transitions an edge's reconciliation state. Allowed moves are
// idle -> migrating, migrating -> idle, migrating -> failed and
// failed -> migrating; nothing self-heals implicitly. The failed state
// requires a sync error, every other state clears it.
func (s *Store) MarkSyncState(ctx context.Context, key interfaces.EdgeKey, state interfaces.SyncState, syncErr string) error {
	if !state.Valid() {
		return fmt.Errorf("invalid sync state %q", state)
	}
	if state == interfaces.SyncFailed && syncErr == "" {
		return fmt.Errorf("%w: failed state requires a sync error", interfaces.ErrInvalidSyncTransition)
	}
	if state != interfaces.SyncFailed {
		syncErr = ""
	}

	current, err := s.GetEdge(ctx, key)
	if err != nil {
		return err
	}

	if !validSyncTransition(current.SyncState, state) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidSyncTransition, current.SyncState, state)
	}

	now := time.Now().UTC()
	var lastSynced any
	if state == interfaces.SyncIdle {
		lastSynced = now
	} else {
		lastSynced = current.LastSyncedAt
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE storage_edges
		SET sync_state = ?, sync_error = ?, last_synced_at = ?, updated_at = ?
		WHERE memory_id = ? AND memory_type = ? AND artifact = ? AND backend = ?`,
		string(state), syncErr, lastSynced, now,
		key.MemoryID, string(key.MemoryType), string(key.Artifact), string(key.Backend))
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

func validSyncTransition(from, to interfaces.SyncState) bool {
	switch from {
	case interfaces.SyncIdle:
		return to == interfaces.SyncMigrating
	case interfaces.SyncMigrating:
		return to == interfaces.SyncIdle || to == interfaces.SyncFailed
	case interfaces.SyncFailed:
		return to == interfaces.SyncMigrating
	}
	return false
}

// DeleteEdgesForMemory removes every edge for a memory and recomputes the
// memory's storage counters. Ledger rows go away regardless of whether the
// backend objects were actually removed; that bookkeeping belongs to the
// caller's cleanup report.
func (s *Store) DeleteEdgesForMemory(ctx context.Context, memoryID string, memoryType interfaces.MemoryType) (int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM storage_edges WHERE memory_id = ? AND memory_type = ?`,
		memoryID, string(memoryType))
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges: %w", err)
	}
	count, _ := result.RowsAffected()

	// If the memory row is already gone the update touches nothing, which
	// is fine: counters without a row are nothing to maintain.
	if err := recomputeStorage(ctx, tx, memoryID, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit edge delete: %w", err)
	}

	return int(count), nil
}

const edgeSelect = `
	SELECT memory_id, memory_type, artifact, backend,
	       present, location, content_hash, size_bytes,
	       sync_state, sync_error, last_synced_at,
	       created_at, updated_at
	FROM storage_edges`

func scanEdge(row rowScanner) (*interfaces.StorageEdge, error) {
	var (
		edge        interfaces.StorageEdge
		memType     string
		artifact    string
		backend     string
		present     int
		contentHash sql.NullString
		lastSynced  sql.NullTime
		syncState   string
	)

	err := row.Scan(
		&edge.MemoryID,
		&memType,
		&artifact,
		&backend,
		&present,
		&edge.Location,
		&contentHash,
		&edge.SizeBytes,
		&syncState,
		&edge.SyncError,
		&lastSynced,
		&edge.CreatedAt,
		&edge.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	edge.MemoryType = interfaces.MemoryType(memType)
	edge.Artifact = interfaces.ArtifactKind(artifact)
	edge.Backend = interfaces.BackendKind(backend)
	edge.Present = present != 0
	edge.SyncState = interfaces.SyncState(syncState)
	if contentHash.Valid {
		edge.ContentHash = contentHash.String
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		edge.LastSyncedAt = &t
	}
	return &edge, nil
}

func collectEdges(rows *sql.Rows) ([]*interfaces.StorageEdge, error) {
	var out []*interfaces.StorageEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
