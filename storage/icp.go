package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// ICPProvider implements a storage provider backed by a decentralized
// canister. The canister protocol itself is out of scope; the provider wraps
// an injected interfaces.CanisterClient and concerns itself only with the
// error taxonomy and URL shape.
type ICPProvider struct {
	client     interfaces.CanisterClient
	canisterID string
	gateway    string
	log        *slog.Logger
}

// NewICPProvider creates a canister storage provider for the given canister
// id. Gateway is the boundary-node HTTP gateway used to render asset URLs.
func NewICPProvider(client interfaces.CanisterClient, canisterID, gateway string, log *slog.Logger) *ICPProvider {
	if log == nil {
		log = slog.Default()
	}
	if gateway == "" {
		gateway = "https://icp0.io"
	}
	return &ICPProvider{
		client:     client,
		canisterID: canisterID,
		gateway:    strings.TrimSuffix(gateway, "/"),
		log:        log,
	}
}

// Upload stores the blob in the canister under its storage key.
func (p *ICPProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	if !p.Available() {
		return interfaces.UploadResult{}, fmt.Errorf("%w: canister %s has no usable identity", interfaces.ErrProviderUnavailable, p.canisterID)
	}

	start := time.Now()

	if err := p.client.Put(ctx, in.Key, in.Data, in.ContentType); err != nil {
		p.log.Error("Failed to store blob in canister",
			slog.String("canister", p.canisterID),
			slog.String("key", in.Key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.UploadResult{}, fmt.Errorf("%w: canister put: %v", interfaces.ErrTransientUpload, err)
	}

	p.log.Debug("Stored blob in canister",
		slog.String("canister", p.canisterID),
		slog.String("key", in.Key),
		slog.Int("size", len(in.Data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		URL:      p.URL(in.Key),
		Key:      in.Key,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendICP,
		Metadata: map[string]string{"canister": p.canisterID},
	}, nil
}

// Fetch retrieves a blob from the canister by storage key.
func (p *ICPProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%w: canister %s", interfaces.ErrProviderUnavailable, p.canisterID)
	}

	data, err := p.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch from canister: %w", err)
	}
	return data, nil
}

// Delete removes a blob from the canister.
func (p *ICPProvider) Delete(ctx context.Context, key string) error {
	if !p.Available() {
		return fmt.Errorf("%w: canister %s", interfaces.ErrProviderUnavailable, p.canisterID)
	}

	if err := p.client.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove from canister: %w", err)
	}

	p.log.Debug("Removed blob from canister",
		slog.String("canister", p.canisterID),
		slog.String("key", key))
	return nil
}

// URL renders the gateway URL for a key. Pure, no I/O.
func (p *ICPProvider) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", p.gateway, p.canisterID, key)
}

// Available reports whether a client with a usable identity is configured.
func (p *ICPProvider) Available() bool {
	return p.client != nil && p.canisterID != "" && p.client.Reachable()
}

// Kind returns the backend kind this provider serves.
func (p *ICPProvider) Kind() interfaces.BackendKind {
	return interfaces.BackendICP
}

// Name returns a unique identifier for this provider.
func (p *ICPProvider) Name() string {
	return fmt.Sprintf("icp-%s", p.canisterID)
}
