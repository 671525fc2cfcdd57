package upload

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/storage"
)

// brokenDeleteProvider stores in memory but refuses deletes.
type brokenDeleteProvider struct {
	objects map[string][]byte
}

func (p *brokenDeleteProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	p.objects[in.Key] = in.Data
	return interfaces.UploadResult{
		URL:      "mem://" + in.Key,
		Key:      in.Key,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendNeon,
	}, nil
}

func (p *brokenDeleteProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, ok := p.objects[key]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (p *brokenDeleteProvider) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("%w: simulated outage", interfaces.ErrTransientUpload)
}

func (p *brokenDeleteProvider) URL(key string) string        { return "mem://" + key }
func (p *brokenDeleteProvider) Available() bool              { return true }
func (p *brokenDeleteProvider) Kind() interfaces.BackendKind { return interfaces.BackendNeon }
func (p *brokenDeleteProvider) Name() string                 { return "neon-broken-delete" }

func newTestCoordinator(t *testing.T) (*Coordinator, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := storage.NewFileProvider(t.TempDir(), "", nil)
	require.NoError(t, err)

	manager := storage.NewManager(map[interfaces.BackendKind]interfaces.Provider{
		interfaces.BackendFile: provider,
	}, storage.ManagerConfig{}, nil, nil)

	coordinator := NewCoordinator(Config{
		DefaultBackends: []interfaces.BackendKind{interfaces.BackendFile},
	}, manager, store, nil, TokenResolver{}, nil)

	return coordinator, store
}

func imageRequest(t *testing.T, fileName string) Request {
	t.Helper()
	return Request{
		FileName:     fileName,
		DeclaredMime: "image/png",
		Data:         pngBytes(t),
		Credential:   "token-abc",
	}
}

func TestProcessFileEndToEnd(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	ctx := context.Background()

	result, err := coordinator.ProcessFile(ctx, imageRequest(t, "sunset.png"))
	require.NoError(t, err)

	memory := result.Memory
	assert.Equal(t, interfaces.MemoryImage, memory.Type)
	assert.Equal(t, interfaces.VisibilityPrivate, memory.Visibility)
	assert.NotEmpty(t, memory.OwnerID)
	// Metadata and asset edge on one backend.
	assert.Equal(t, 2, memory.StorageCount)
	assert.Equal(t, []interfaces.BackendKind{interfaces.BackendFile}, memory.StorageLocations)

	asset := result.Asset
	assert.Equal(t, interfaces.AssetOriginal, asset.Type)
	assert.Equal(t, interfaces.ProcessingCompleted, asset.ProcessingStatus)
	assert.NotEmpty(t, asset.ContentHash)
	require.NotNil(t, asset.Width, "image originals record their dimensions")
	assert.Equal(t, 8, *asset.Width)

	edges, err := store.EdgesForMemory(ctx, memory.ID, memory.Type)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, edge := range edges {
		assert.True(t, edge.Present)
		assert.Equal(t, interfaces.SyncIdle, edge.SyncState)
	}
}

func TestProcessFileStableOwner(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coordinator.ProcessFile(ctx, imageRequest(t, "a.png"))
	require.NoError(t, err)
	second, err := coordinator.ProcessFile(ctx, imageRequest(t, "b.png"))
	require.NoError(t, err)

	assert.Equal(t, first.Memory.OwnerID, second.Memory.OwnerID,
		"one credential maps to one owner")
}

func TestProcessFileRejectsBeforeUpload(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	req := imageRequest(t, "malware.exe")
	req.DeclaredMime = "application/x-executable"

	_, err := coordinator.ProcessFile(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestProcessFileRejectsMissingCredential(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	req := imageRequest(t, "anon.png")
	req.Credential = ""

	_, err := coordinator.ProcessFile(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrIdentity)
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = imageRequest(t, fmt.Sprintf("photo-%d.png", i))
	}
	// The third file lies about its content.
	reqs[2].Data = []byte("definitely not a png")

	batch := coordinator.ProcessBatch(ctx, reqs)

	assert.Equal(t, 4, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Items, 5)

	assert.Error(t, batch.Items[2].Err)
	assert.Nil(t, batch.Items[2].Result)
	for i, item := range batch.Items {
		if i == 2 {
			continue
		}
		require.NoError(t, item.Err, "item %d", i)
		assert.NotNil(t, item.Result)
	}

	assert.Positive(t, batch.Stats.Elapsed)
	assert.Positive(t, batch.Stats.TotalBytes)
}

func TestDeleteMemoryCleansBackends(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	ctx := context.Background()

	result, err := coordinator.ProcessFile(ctx, imageRequest(t, "gone.png"))
	require.NoError(t, err)
	memoryID := result.Memory.ID

	report, err := coordinator.DeleteMemory(ctx, memoryID, interfaces.MemoryImage)
	require.NoError(t, err)

	assert.True(t, report.LogicalDeleteOK)
	assert.Equal(t, 2, report.DeletedEdges)
	assert.Equal(t, 1, report.DeletedObjects)
	assert.Empty(t, report.Errors)

	_, err = store.GetMemory(ctx, memoryID)
	assert.ErrorIs(t, err, ledger.ErrMemoryNotFound)
}

func TestDeleteMemoryReportsCleanupFailures(t *testing.T) {
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider := &brokenDeleteProvider{objects: make(map[string][]byte)}
	manager := storage.NewManager(map[interfaces.BackendKind]interfaces.Provider{
		interfaces.BackendNeon: provider,
	}, storage.ManagerConfig{}, nil, nil)

	coordinator := NewCoordinator(Config{
		DefaultBackends: []interfaces.BackendKind{interfaces.BackendNeon},
	}, manager, store, nil, TokenResolver{}, nil)

	ctx := context.Background()
	result, err := coordinator.ProcessFile(ctx, imageRequest(t, "sticky.png"))
	require.NoError(t, err)

	report, err := coordinator.DeleteMemory(ctx, result.Memory.ID, interfaces.MemoryImage)
	require.NoError(t, err, "logical deletion survives physical cleanup failures")

	assert.True(t, report.LogicalDeleteOK)
	assert.Equal(t, 2, report.DeletedEdges)
	assert.Equal(t, 0, report.DeletedObjects)
	assert.NotEmpty(t, report.CleanupFailed)
	assert.NotEmpty(t, report.Errors)

	_, err = store.GetMemory(ctx, result.Memory.ID)
	assert.ErrorIs(t, err, ledger.ErrMemoryNotFound)
}

func TestJanitorReapsExpiredMemories(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	ctx := context.Background()

	short := time.Millisecond
	req := imageRequest(t, "ephemeral.png")
	req.StorageDuration = &short

	result, err := coordinator.ProcessFile(ctx, req)
	require.NoError(t, err)

	keeper, err := coordinator.ProcessFile(ctx, imageRequest(t, "keeper.png"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	janitor := NewJanitor(time.Hour, store, coordinator, nil)
	reaped := janitor.Sweep(ctx)
	assert.Equal(t, 1, reaped)

	_, err = store.GetMemory(ctx, result.Memory.ID)
	assert.ErrorIs(t, err, ledger.ErrMemoryNotFound)

	_, err = store.GetMemory(ctx, keeper.Memory.ID)
	assert.NoError(t, err, "memories without a horizon are never reaped")
}

func TestTokenResolverRejectsEmpty(t *testing.T) {
	_, err := TokenResolver{}.Resolve(context.Background(), "   ")
	assert.Error(t, err)

	owner, err := TokenResolver{}.Resolve(context.Background(), "token-abc")
	require.NoError(t, err)
	assert.NotEmpty(t, owner)
}
