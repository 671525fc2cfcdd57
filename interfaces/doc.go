// Package interfaces defines the shared contracts and data model for the
// memory preservation storage layer.
//
// The package holds three groups of declarations:
//
//   - Closed value sets: BackendKind, ArtifactKind, AssetType, MemoryType,
//     ProcessingStatus and SyncState are fixed string unions. Persisted rows
//     and wire payloads only ever carry these exact values.
//
//   - The data model: Memory is the logical item a user preserved,
//     MemoryAsset one concrete binary representation of it, and StorageEdge a
//     presence assertion for one artifact of one memory on one backend. The
//     edge ledger is the single source of truth for where data actually
//     lives; the absence of an edge means "never attempted", which is
//     distinct from an edge with Present == false.
//
//   - Contracts: Provider wraps one physical storage backend, and the
//     error taxonomy distinguishes unavailable backends (fall back, never
//     retry), transient failures (retry with backoff), immutable-backend
//     violations (never retry) and validation failures (reject before any
//     upload).
//
// Components depend on this package instead of each other, so the provider
// implementations, the ledger, the derivative pipeline and the upload
// coordinator stay independently testable.
package interfaces
