package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// LedgerProvider implements a storage provider over an immutable write-once
// ledger. The ledger protocol is out of scope; the provider wraps an
// injected interfaces.LedgerClient. Appended data can never be removed, so
// Delete always fails with ErrImmutableBackend and the manager must not
// retry it.
type LedgerProvider struct {
	client   interfaces.LedgerClient
	endpoint string
	log      *slog.Logger

	mu  sync.RWMutex
	txs map[string]string // key -> transaction id
}

// NewLedgerProvider creates an immutable-ledger storage provider.
func NewLedgerProvider(client interfaces.LedgerClient, endpoint string, log *slog.Logger) *LedgerProvider {
	if log == nil {
		log = slog.Default()
	}
	return &LedgerProvider{
		client:   client,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		log:      log,
		txs:      make(map[string]string),
	}
}

// Upload appends the blob to the ledger. The returned key is the ledger
// transaction id, the only durable address the backend offers.
func (p *LedgerProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	if !p.Available() {
		return interfaces.UploadResult{}, fmt.Errorf("%w: ledger gateway %s", interfaces.ErrProviderUnavailable, p.endpoint)
	}

	start := time.Now()

	txID, err := p.client.Append(ctx, in.Key, in.Data, in.ContentType)
	if err != nil {
		p.log.Error("Failed to append blob to ledger",
			slog.String("key", in.Key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.UploadResult{}, fmt.Errorf("%w: ledger append: %v", interfaces.ErrTransientUpload, err)
	}

	p.mu.Lock()
	p.txs[in.Key] = txID
	p.mu.Unlock()

	p.log.Debug("Appended blob to ledger",
		slog.String("tx", txID),
		slog.String("key", in.Key),
		slog.Int("size", len(in.Data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		URL:      p.URL(txID),
		Key:      txID,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendLedger,
		Metadata: map[string]string{"tx": txID},
	}, nil
}

// Fetch reads a blob back by transaction id.
func (p *LedgerProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%w: ledger gateway %s", interfaces.ErrProviderUnavailable, p.endpoint)
	}

	p.mu.RLock()
	if tx, ok := p.txs[key]; ok {
		key = tx
	}
	p.mu.RUnlock()

	data, err := p.client.Read(ctx, key)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read from ledger: %w", err)
	}
	return data, nil
}

// Delete always fails: ledger entries are write-once. The distinct error
// lets cleanup bookkeeping record the object as intentionally unremovable.
func (p *LedgerProvider) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("%w: ledger tx %s", interfaces.ErrImmutableBackend, key)
}

// URL renders the gateway URL for a transaction id. Pure, no I/O.
func (p *LedgerProvider) URL(key string) string {
	return p.endpoint + "/" + key
}

// Available reports whether a client and gateway are configured.
func (p *LedgerProvider) Available() bool {
	return p.client != nil && p.endpoint != "" && p.client.Reachable()
}

// Kind returns the backend kind this provider serves.
func (p *LedgerProvider) Kind() interfaces.BackendKind {
	return interfaces.BackendLedger
}

// Name returns a unique identifier for this provider.
func (p *LedgerProvider) Name() string {
	return fmt.Sprintf("ledgerchain-%s", strings.TrimPrefix(p.endpoint, "https://"))
}
