package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// IPFSProvider implements a storage provider using the InterPlanetary File
// System. IPFS is content addressed, so the storage key maps to a CID via the
// upload result rather than being honored directly; Delete unpins the object
// and lets the network garbage-collect it.
type IPFSProvider struct {
	shell   *shell.Shell
	host    string
	port    string
	gateway string
	log     *slog.Logger

	// cids remembers key -> CID for blobs this process uploaded, so Fetch
	// and Delete can resolve keys without a side channel. The edge ledger
	// stores the CID as the edge location for everything else.
	mu   sync.RWMutex
	cids map[string]string
}

// NewIPFSProvider creates an IPFS storage provider connected to the given
// node API address. Gateway is the public HTTP gateway used to render URLs.
func NewIPFSProvider(host, port, gateway string, log *slog.Logger) (*IPFSProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if port == "" {
		port = "5001" // Default IPFS API port
	}
	if gateway == "" {
		gateway = "https://ipfs.io"
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSProvider{
		shell:   shell.NewShell(apiURL),
		host:    host,
		port:    port,
		gateway: strings.TrimSuffix(gateway, "/"),
		log:     log,
		cids:    make(map[string]string),
	}, nil
}

// Upload adds the blob to IPFS and pins it. The resulting CID is returned as
// the canonical storage key.
func (p *IPFSProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	start := time.Now()

	if !p.shell.IsUp() {
		return interfaces.UploadResult{}, fmt.Errorf("%w: ipfs node %s:%s not reachable", interfaces.ErrProviderUnavailable, p.host, p.port)
	}

	cid, err := p.shell.Add(bytes.NewReader(in.Data), shell.Pin(true))
	if err != nil {
		p.log.Error("Failed to add blob to IPFS",
			slog.String("key", in.Key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.UploadResult{}, fmt.Errorf("%w: ipfs add: %v", interfaces.ErrTransientUpload, err)
	}

	p.mu.Lock()
	p.cids[in.Key] = cid
	p.mu.Unlock()

	p.log.Debug("Stored blob in IPFS",
		slog.String("cid", cid),
		slog.String("key", in.Key),
		slog.Int("size", len(in.Data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		URL:      fmt.Sprintf("%s/ipfs/%s", p.gateway, cid),
		Key:      cid,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendIPFS,
		Metadata: map[string]string{"cid": cid},
	}, nil
}

// Fetch retrieves a blob by CID, or by the upload key for blobs this process
// stored.
func (p *IPFSProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	if !p.shell.IsUp() {
		return nil, fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrProviderUnavailable, p.host, p.port)
	}

	cid := p.resolveCID(key)

	reader, err := p.shell.Cat("/ipfs/" + cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}

	return data, nil
}

// Delete unpins the blob. Pinned content elsewhere in the network survives;
// unpinning is the strongest removal IPFS offers.
func (p *IPFSProvider) Delete(ctx context.Context, key string) error {
	if !p.shell.IsUp() {
		return fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrProviderUnavailable, p.host, p.port)
	}

	cid := p.resolveCID(key)

	if err := p.shell.Unpin(cid); err != nil {
		if strings.Contains(err.Error(), "not pinned") {
			return nil
		}
		return fmt.Errorf("failed to unpin from IPFS: %w", err)
	}

	p.mu.Lock()
	delete(p.cids, key)
	p.mu.Unlock()

	p.log.Debug("Unpinned blob from IPFS", slog.String("cid", cid))
	return nil
}

// URL renders the gateway URL for a CID. Pure, no I/O.
func (p *IPFSProvider) URL(key string) string {
	return fmt.Sprintf("%s/ipfs/%s", p.gateway, p.resolveCID(key))
}

func (p *IPFSProvider) resolveCID(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mapped, ok := p.cids[key]; ok {
		return mapped
	}
	return key
}

// Available reports whether a node address is configured. No I/O; node
// reachability surfaces as a transient upload failure instead.
func (p *IPFSProvider) Available() bool {
	return p.host != ""
}

// Kind returns the backend kind this provider serves.
func (p *IPFSProvider) Kind() interfaces.BackendKind {
	return interfaces.BackendIPFS
}

// Name returns a unique identifier for this provider.
func (p *IPFSProvider) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", p.host, p.port)
}
