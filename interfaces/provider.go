package interfaces

import "context"

// Provider is the uniform capability wrapper around one physical storage
// backend. Implementations perform network I/O only; they never touch the
// edge ledger or any other database.
type Provider interface {
	// Upload stores one blob. It returns ErrProviderUnavailable (wrapped)
	// when the backend is not configured or not reachable at all, and wraps
	// retryable failures in ErrTransientUpload.
	Upload(ctx context.Context, in UploadInput) (UploadResult, error)

	// Fetch retrieves a previously stored blob by key. Returns
	// ErrContentNotFound when the backend has no object under the key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Delete removes a blob. Write-once backends return ErrImmutableBackend,
	// which callers must never retry.
	Delete(ctx context.Context, key string) error

	// URL renders the public URL for a key. Pure, no I/O.
	URL(key string) string

	// Available is a pure capability check: configuration and credentials
	// are in place. It performs no I/O.
	Available() bool

	// Kind returns the backend kind this provider serves.
	Kind() BackendKind

	// Name returns an identifier for logging.
	Name() string
}

// CanisterClient is the out-of-scope decentralized-canister protocol,
// injected into the ICP provider.
type CanisterClient interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	// Reachable reports whether the client holds a usable identity and
	// canister target. No I/O.
	Reachable() bool
}

// LedgerClient is the out-of-scope immutable-ledger protocol, injected into
// the ledgerchain provider. The ledger is write-once: there is deliberately
// no remove operation.
type LedgerClient interface {
	Append(ctx context.Context, key string, data []byte, contentType string) (txID string, err error)
	Read(ctx context.Context, key string) ([]byte, error)
	Reachable() bool
}

// IdentityResolver maps a caller-supplied credential to an opaque owner id.
// Authentication itself is an external collaborator.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (ownerID string, err error)
}
