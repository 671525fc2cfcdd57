package interfaces

import (
	"fmt"
	"time"
)

// BackendKind identifies a physical storage backend. The set is closed:
// persisted edges and assets only ever reference these values.
type BackendKind string

const (
	// BackendNeon is the managed database+blob backend.
	BackendNeon BackendKind = "neon"
	// BackendS3 is S3 or any S3-compatible object store.
	BackendS3 BackendKind = "s3"
	// BackendIPFS is distributed IPFS storage.
	BackendIPFS BackendKind = "ipfs"
	// BackendICP is a decentralized canister.
	BackendICP BackendKind = "icp"
	// BackendLedger is an immutable write-once ledger.
	BackendLedger BackendKind = "ledgerchain"
	// BackendFile is local filesystem storage for development and testing.
	BackendFile BackendKind = "file"
)

// Valid reports whether k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendNeon, BackendS3, BackendIPFS, BackendICP, BackendLedger, BackendFile:
		return true
	}
	return false
}

func (k BackendKind) String() string { return string(k) }

// ArtifactKind distinguishes the two independently replicated pieces of a
// memory: its metadata record and its binary assets.
type ArtifactKind string

const (
	ArtifactMetadata ArtifactKind = "metadata"
	ArtifactAsset    ArtifactKind = "asset"
)

// Valid reports whether a is a known artifact kind.
func (a ArtifactKind) Valid() bool {
	return a == ArtifactMetadata || a == ArtifactAsset
}

// MemoryType classifies the media class of a memory.
type MemoryType string

const (
	MemoryImage    MemoryType = "image"
	MemoryVideo    MemoryType = "video"
	MemoryDocument MemoryType = "document"
	MemoryNote     MemoryType = "note"
	MemoryAudio    MemoryType = "audio"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryImage, MemoryVideo, MemoryDocument, MemoryNote, MemoryAudio:
		return true
	}
	return false
}

// AssetType identifies which representation of a memory an asset holds.
// At most one asset per (memory, asset type) may exist.
type AssetType string

const (
	AssetOriginal    AssetType = "original"
	AssetDisplay     AssetType = "display"
	AssetThumb       AssetType = "thumb"
	AssetPlaceholder AssetType = "placeholder"
	AssetPoster      AssetType = "poster"
	AssetWaveform    AssetType = "waveform"
)

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetOriginal, AssetDisplay, AssetThumb, AssetPlaceholder, AssetPoster, AssetWaveform:
		return true
	}
	return false
}

// ProcessingStatus tracks the derivative pipeline's per-asset state machine:
// pending -> processing -> completed or failed.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingActive    ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Valid reports whether s is a known processing status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingActive, ProcessingCompleted, ProcessingFailed:
		return true
	}
	return false
}

// SyncState is the reconciliation status of a storage edge.
type SyncState string

const (
	SyncIdle      SyncState = "idle"
	SyncMigrating SyncState = "migrating"
	SyncFailed    SyncState = "failed"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	return s == SyncIdle || s == SyncMigrating || s == SyncFailed
}

// Visibility controls who may resolve a memory's assets.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// Memory is one logical preserved item. Its StorageCount and
// StorageLocations are derived from the edge ledger and must equal,
// respectively, the number of edges with Present == true and the distinct
// backends among them.
type Memory struct {
	ID         string
	OwnerID    string
	Type       MemoryType
	Visibility Visibility

	StorageLocations []BackendKind
	StorageCount     int

	// StorageDuration is the retention horizon for ephemeral memories.
	// Nil means keep forever.
	StorageDuration *time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ExpiresAt returns the retention deadline, or the zero time when the memory
// has no retention horizon.
func (m *Memory) ExpiresAt() time.Time {
	if m.StorageDuration == nil {
		return time.Time{}
	}
	return m.CreatedAt.Add(*m.StorageDuration)
}

// MemoryAsset is one concrete binary representation of a memory.
// Width and Height are either both set or both nil.
type MemoryAsset struct {
	ID       string
	MemoryID string
	Type     AssetType

	Backend    BackendKind
	StorageKey string
	URL        string

	Bytes       int64
	Width       *int
	Height      *int
	MimeType    string
	ContentHash string

	ProcessingStatus ProcessingStatus
	ProcessingError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EdgeKey is the natural key of a storage edge.
type EdgeKey struct {
	MemoryID   string
	MemoryType MemoryType
	Artifact   ArtifactKind
	Backend    BackendKind
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", k.MemoryID, k.MemoryType, k.Artifact, k.Backend)
}

// StorageEdge asserts whether one artifact of one memory is present on one
// backend. Edges are deleted outright with their memory; they are never
// soft-deleted.
type StorageEdge struct {
	EdgeKey

	Present     bool
	Location    string
	ContentHash string
	SizeBytes   int64

	SyncState    SyncState
	SyncError    string
	LastSyncedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UploadInput carries one blob into a provider.
type UploadInput struct {
	// Key is the storage key the blob should live under. Providers that
	// cannot honor arbitrary keys (content-addressed backends) record the
	// actual location in the result.
	Key         string
	Data        []byte
	ContentType string
	FileName    string
}

// UploadResult describes a blob a provider accepted.
type UploadResult struct {
	URL      string
	Key      string
	Size     int64
	MimeType string
	Provider BackendKind
	Metadata map[string]string
}
