package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

const neonBlobSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	storage_key  TEXT PRIMARY KEY,
	data         BYTEA NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes   BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NeonProvider implements a storage provider over a managed Postgres
// instance, storing blobs in a bytea table. This is the "database + blob"
// backend: the same database that reaches the ledger in production also
// holds the bytes, which keeps the backend a single billing and consistency
// domain.
type NeonProvider struct {
	db         *sql.DB
	dsn        string
	host       string
	publicBase string
	log        *slog.Logger
}

// NewNeonProvider opens the Postgres connection and ensures the blob table
// exists. The DSN comes from the neon:// backend URI with the scheme
// rewritten to postgres://.
func NewNeonProvider(dsn, publicBase string, log *slog.Logger) (*NeonProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(neonBlobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blob table: %w", err)
	}

	host := ""
	if u, err := url.Parse(dsn); err == nil {
		host = u.Hostname()
	}

	return &NeonProvider{
		db:         db,
		dsn:        dsn,
		host:       host,
		publicBase: strings.TrimSuffix(publicBase, "/"),
		log:        log,
	}, nil
}

// Upload upserts the blob row under its storage key.
func (p *NeonProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	start := time.Now()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blobs (storage_key, data, content_type, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (storage_key) DO UPDATE SET
			data = EXCLUDED.data,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes`,
		in.Key, in.Data, in.ContentType, int64(len(in.Data)))
	if err != nil {
		p.log.Error("Failed to store blob in neon",
			slog.String("key", in.Key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.UploadResult{}, fmt.Errorf("%w: insert blob: %v", interfaces.ErrTransientUpload, err)
	}

	p.log.Debug("Stored blob in neon",
		slog.String("key", in.Key),
		slog.Int("size", len(in.Data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		URL:      p.URL(in.Key),
		Key:      in.Key,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendNeon,
	}, nil
}

// Fetch reads the blob row by storage key.
func (p *NeonProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE storage_key = $1`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob row. Deleting a missing key is not an error.
func (p *NeonProvider) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM blobs WHERE storage_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// URL renders the serving URL for a key. Pure, no I/O.
func (p *NeonProvider) URL(key string) string {
	if p.publicBase == "" {
		return "neon://" + p.host + "/" + key
	}
	return p.publicBase + "/" + key
}

// Available reports whether a connection is configured. No I/O.
func (p *NeonProvider) Available() bool {
	return p.db != nil
}

// Kind returns the backend kind this provider serves.
func (p *NeonProvider) Kind() interfaces.BackendKind {
	return interfaces.BackendNeon
}

// Name returns a unique identifier for this provider.
func (p *NeonProvider) Name() string {
	return fmt.Sprintf("neon-%s", p.host)
}

// Close releases the database connection pool.
func (p *NeonProvider) Close() error {
	return p.db.Close()
}
