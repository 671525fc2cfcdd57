package derivatives

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.Manager, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := storage.NewFileProvider(t.TempDir(), "", nil)
	require.NoError(t, err)

	manager := storage.NewManager(map[interfaces.BackendKind]interfaces.Provider{
		interfaces.BackendFile: provider,
	}, storage.ManagerConfig{}, nil, nil)

	pipeline := New(Config{}, manager, store, nil, nil)
	return pipeline, manager, store
}

// seedOriginal uploads an encoded original and records it, returning the job
// the coordinator would enqueue for it.
func seedOriginal(t *testing.T, manager *storage.Manager, store *ledger.Store, memoryID string, data []byte) Job {
	t.Helper()
	ctx := context.Background()

	key := "memories/" + memoryID + "/original.jpg"
	result, err := manager.Upload(ctx, interfaces.UploadInput{
		Key:         key,
		Data:        data,
		ContentType: "image/jpeg",
	}, interfaces.BackendFile)
	require.NoError(t, err)

	memory := &interfaces.Memory{
		ID:         memoryID,
		OwnerID:    "owner-1",
		Type:       interfaces.MemoryImage,
		Visibility: interfaces.VisibilityPrivate,
	}
	asset := &interfaces.MemoryAsset{
		MemoryID:         memoryID,
		Type:             interfaces.AssetOriginal,
		Backend:          interfaces.BackendFile,
		StorageKey:       result.Key,
		Bytes:            int64(len(data)),
		MimeType:         "image/jpeg",
		ProcessingStatus: interfaces.ProcessingCompleted,
	}
	require.NoError(t, store.RecordUpload(ctx, memory, asset, []ledger.EdgeParams{{
		Key: interfaces.EdgeKey{
			MemoryID:   memoryID,
			MemoryType: interfaces.MemoryImage,
			Artifact:   interfaces.ArtifactAsset,
			Backend:    interfaces.BackendFile,
		},
		Location:  result.Key,
		SizeBytes: int64(len(data)),
	}}))

	return Job{
		MemoryID:   memoryID,
		MemoryType: interfaces.MemoryImage,
		Backend:    interfaces.BackendFile,
		StorageKey: result.Key,
		MimeType:   "image/jpeg",
		Bytes:      int64(len(data)),
	}
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, makeTestImage(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestProcessGeneratesDisplayAndThumb(t *testing.T) {
	pipeline, manager, store := newTestPipeline(t)
	ctx := context.Background()

	job := seedOriginal(t, manager, store, "m1", encodeJPEG(t, 3000, 2000))
	pipeline.Process(job)

	display, err := store.GetAsset(ctx, "m1", interfaces.AssetDisplay)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingCompleted, display.ProcessingStatus)
	require.NotNil(t, display.Width)
	require.NotNil(t, display.Height)
	assert.Equal(t, 2048, *display.Width)
	assert.Equal(t, 1365, *display.Height)
	assert.Equal(t, "image/jpeg", display.MimeType)
	assert.NotEmpty(t, display.ContentHash)

	thumb, err := store.GetAsset(ctx, "m1", interfaces.AssetThumb)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingCompleted, thumb.ProcessingStatus)
	assert.Equal(t, 512, *thumb.Width)
	assert.Equal(t, 341, *thumb.Height)

	// Each derivative is fetchable from its own storage key.
	data, err := manager.Fetch(ctx, interfaces.BackendFile, thumb.StorageKey)
	require.NoError(t, err)
	decoded, _, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 512, decoded.Bounds().Dx())

	// The derivative edge joined the ledger and the counters followed.
	edge, err := store.GetEdge(ctx, interfaces.EdgeKey{
		MemoryID:   "m1",
		MemoryType: interfaces.MemoryImage,
		Artifact:   interfaces.ArtifactAsset,
		Backend:    interfaces.BackendFile,
	})
	require.NoError(t, err)
	assert.True(t, edge.Present)

	memory, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, memory.StorageCount, "one backend, one asset edge")
}

func TestProcessSkipsNonImageTypes(t *testing.T) {
	pipeline, manager, store := newTestPipeline(t)
	ctx := context.Background()

	job := seedOriginal(t, manager, store, "m2", encodeJPEG(t, 100, 100))
	job.MemoryType = interfaces.MemoryDocument
	pipeline.Process(job)

	_, err := store.GetAsset(ctx, "m2", interfaces.AssetDisplay)
	assert.ErrorIs(t, err, ledger.ErrAssetNotFound)
	_, err = store.GetAsset(ctx, "m2", interfaces.AssetThumb)
	assert.ErrorIs(t, err, ledger.ErrAssetNotFound)
}

func TestProcessMarksFailureOnMissingOriginal(t *testing.T) {
	pipeline, manager, store := newTestPipeline(t)
	ctx := context.Background()

	job := seedOriginal(t, manager, store, "m3", encodeJPEG(t, 100, 100))
	job.StorageKey = "memories/m3/not-there.jpg"
	pipeline.Process(job)

	display, err := store.GetAsset(ctx, "m3", interfaces.AssetDisplay)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingFailed, display.ProcessingStatus)
	assert.NotEmpty(t, display.ProcessingError)

	thumb, err := store.GetAsset(ctx, "m3", interfaces.AssetThumb)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingFailed, thumb.ProcessingStatus)
}

func TestProcessMarksFailureOnUndecodableOriginal(t *testing.T) {
	pipeline, manager, store := newTestPipeline(t)
	ctx := context.Background()

	key := "memories/m4/original.jpg"
	_, err := manager.Upload(ctx, interfaces.UploadInput{
		Key:  key,
		Data: []byte("not an image at all"),
	}, interfaces.BackendFile)
	require.NoError(t, err)

	memory := &interfaces.Memory{
		ID:         "m4",
		OwnerID:    "owner-1",
		Type:       interfaces.MemoryImage,
		Visibility: interfaces.VisibilityPrivate,
	}
	asset := &interfaces.MemoryAsset{
		MemoryID:         "m4",
		Type:             interfaces.AssetOriginal,
		Backend:          interfaces.BackendFile,
		StorageKey:       key,
		Bytes:            19,
		MimeType:         "image/jpeg",
		ProcessingStatus: interfaces.ProcessingCompleted,
	}
	require.NoError(t, store.RecordUpload(ctx, memory, asset, nil))

	pipeline.Process(Job{
		MemoryID:   "m4",
		MemoryType: interfaces.MemoryImage,
		Backend:    interfaces.BackendFile,
		StorageKey: key,
		MimeType:   "image/jpeg",
		Bytes:      19,
	})

	display, err := store.GetAsset(ctx, "m4", interfaces.AssetDisplay)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingFailed, display.ProcessingStatus)
}

func TestEnqueueAfterCloseDoesNotPanic(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	pipeline.Start()
	pipeline.Close()

	pipeline.Enqueue(Job{MemoryID: "late", MemoryType: interfaces.MemoryImage})
}
