package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testMemory(id string) *interfaces.Memory {
	return &interfaces.Memory{
		ID:         id,
		OwnerID:    "owner-1",
		Type:       interfaces.MemoryImage,
		Visibility: interfaces.VisibilityPrivate,
	}
}

func testAsset(memoryID string) *interfaces.MemoryAsset {
	return &interfaces.MemoryAsset{
		MemoryID:         memoryID,
		Type:             interfaces.AssetOriginal,
		Backend:          interfaces.BackendFile,
		StorageKey:       "memories/" + memoryID + "/original.jpg",
		Bytes:            1024,
		MimeType:         "image/jpeg",
		ProcessingStatus: interfaces.ProcessingCompleted,
	}
}

func edgeParams(memoryID string, artifact interfaces.ArtifactKind, backend interfaces.BackendKind) EdgeParams {
	return EdgeParams{
		Key: interfaces.EdgeKey{
			MemoryID:   memoryID,
			MemoryType: interfaces.MemoryImage,
			Artifact:   artifact,
			Backend:    backend,
		},
		Location:  "memories/" + memoryID + "/original.jpg",
		SizeBytes: 1024,
	}
}

// seedMemory records a memory with an original asset and a metadata plus
// asset edge on the file backend.
func seedMemory(t *testing.T, store *Store, id string) *interfaces.Memory {
	t.Helper()
	memory := testMemory(id)
	err := store.RecordUpload(context.Background(), memory, testAsset(id), []EdgeParams{
		edgeParams(id, interfaces.ArtifactMetadata, interfaces.BackendFile),
		edgeParams(id, interfaces.ArtifactAsset, interfaces.BackendFile),
	})
	require.NoError(t, err)
	return memory
}

func TestRecordUploadDerivesStorageCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	memory := testMemory("m1")
	err := store.RecordUpload(ctx, memory, testAsset("m1"), []EdgeParams{
		edgeParams("m1", interfaces.ArtifactMetadata, interfaces.BackendNeon),
		edgeParams("m1", interfaces.ArtifactAsset, interfaces.BackendNeon),
		edgeParams("m1", interfaces.ArtifactMetadata, interfaces.BackendICP),
		edgeParams("m1", interfaces.ArtifactAsset, interfaces.BackendICP),
	})
	require.NoError(t, err)

	// Count follows present edges, locations follow distinct backends.
	assert.Equal(t, 4, memory.StorageCount)
	assert.ElementsMatch(t,
		[]interfaces.BackendKind{interfaces.BackendNeon, interfaces.BackendICP},
		memory.StorageLocations)

	loaded, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.StorageCount)
	assert.Len(t, loaded.StorageLocations, 2)
}

func TestGetMemoryNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetMemory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMemoryNotFound)
}

func TestListExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hour := time.Hour
	expired := testMemory("old")
	expired.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	expired.StorageDuration = &hour
	require.NoError(t, store.RecordUpload(ctx, expired, testAsset("old"), []EdgeParams{
		edgeParams("old", interfaces.ArtifactAsset, interfaces.BackendFile),
	}))

	fresh := testMemory("fresh")
	fresh.StorageDuration = &hour
	require.NoError(t, store.RecordUpload(ctx, fresh, testAsset("fresh"), []EdgeParams{
		edgeParams("fresh", interfaces.ArtifactAsset, interfaces.BackendFile),
	}))

	forever := testMemory("forever")
	forever.CreatedAt = time.Now().UTC().Add(-100 * time.Hour)
	require.NoError(t, store.RecordUpload(ctx, forever, testAsset("forever"), []EdgeParams{
		edgeParams("forever", interfaces.ArtifactAsset, interfaces.BackendFile),
	}))

	out, err := store.ListExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "old", out[0].ID)
}

func TestListExpiredHeldBackByPendingAsset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hour := time.Hour
	memory := testMemory("busy")
	memory.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	memory.StorageDuration = &hour
	require.NoError(t, store.RecordUpload(ctx, memory, testAsset("busy"), []EdgeParams{
		edgeParams("busy", interfaces.ArtifactAsset, interfaces.BackendFile),
	}))

	pending := testAsset("busy")
	pending.Type = interfaces.AssetThumb
	pending.ProcessingStatus = interfaces.ProcessingPending
	require.NoError(t, store.UpsertAsset(ctx, pending))

	out, err := store.ListExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, out, "in-flight derivative work must block reaping")

	// Once processing settles the memory becomes reapable.
	require.NoError(t, store.SetAssetStatus(ctx, "busy", interfaces.AssetThumb,
		interfaces.ProcessingFailed, "decode failed"))

	out, err = store.ListExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "busy", out[0].ID)
}

func TestDeleteMemoryRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, store, "m2")

	edgeCount, err := store.DeleteMemory(ctx, "m2", interfaces.MemoryImage)
	require.NoError(t, err)
	assert.Equal(t, 2, edgeCount)

	_, err = store.GetMemory(ctx, "m2")
	assert.ErrorIs(t, err, ErrMemoryNotFound)

	assets, err := store.AssetsForMemory(ctx, "m2")
	require.NoError(t, err)
	assert.Empty(t, assets)

	edges, err := store.EdgesForMemory(ctx, "m2", interfaces.MemoryImage)
	require.NoError(t, err)
	assert.Empty(t, edges)
}
