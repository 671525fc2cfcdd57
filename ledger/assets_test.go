package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

func TestUpsertAssetAtMostOnePerType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, store, "m1")

	thumb := testAsset("m1")
	thumb.ID = ""
	thumb.Type = interfaces.AssetThumb
	thumb.Bytes = 2048
	require.NoError(t, store.UpsertAsset(ctx, thumb))

	regenerated := testAsset("m1")
	regenerated.ID = ""
	regenerated.Type = interfaces.AssetThumb
	regenerated.Bytes = 4096
	require.NoError(t, store.UpsertAsset(ctx, regenerated))

	assets, err := store.AssetsForMemory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, assets, 2, "original plus exactly one thumb")

	loaded, err := store.GetAsset(ctx, "m1", interfaces.AssetThumb)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), loaded.Bytes, "regeneration replaces the previous row")
}

func TestUpsertAssetValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, store, "m1")

	empty := testAsset("m1")
	empty.Type = interfaces.AssetDisplay
	empty.Bytes = 0
	assert.Error(t, store.UpsertAsset(ctx, empty), "zero-byte assets are rejected")

	lopsided := testAsset("m1")
	lopsided.Type = interfaces.AssetDisplay
	w := 100
	lopsided.Width = &w
	assert.Error(t, store.UpsertAsset(ctx, lopsided), "width without height is rejected")

	unknown := testAsset("m1")
	unknown.Type = "hologram"
	assert.Error(t, store.UpsertAsset(ctx, unknown))
}

func TestAssetsForMemoryOriginalsFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, store, "m1")

	thumb := testAsset("m1")
	thumb.ID = ""
	thumb.Type = interfaces.AssetThumb
	require.NoError(t, store.UpsertAsset(ctx, thumb))

	display := testAsset("m1")
	display.ID = ""
	display.Type = interfaces.AssetDisplay
	require.NoError(t, store.UpsertAsset(ctx, display))

	assets, err := store.AssetsForMemory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assert.Equal(t, interfaces.AssetOriginal, assets[0].Type)
}

func TestSetAssetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, store, "m1")

	thumb := testAsset("m1")
	thumb.ID = ""
	thumb.Type = interfaces.AssetThumb
	thumb.ProcessingStatus = interfaces.ProcessingPending
	require.NoError(t, store.UpsertAsset(ctx, thumb))

	require.NoError(t, store.SetAssetStatus(ctx, "m1", interfaces.AssetThumb,
		interfaces.ProcessingActive, ""))

	// failed requires a cause.
	err := store.SetAssetStatus(ctx, "m1", interfaces.AssetThumb,
		interfaces.ProcessingFailed, "")
	assert.Error(t, err)

	require.NoError(t, store.SetAssetStatus(ctx, "m1", interfaces.AssetThumb,
		interfaces.ProcessingFailed, "render blew up"))

	loaded, err := store.GetAsset(ctx, "m1", interfaces.AssetThumb)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProcessingFailed, loaded.ProcessingStatus)
	assert.Equal(t, "render blew up", loaded.ProcessingError)

	err = store.SetAssetStatus(ctx, "m1", interfaces.AssetPoster,
		interfaces.ProcessingActive, "")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestGetAssetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetAsset(context.Background(), "missing", interfaces.AssetOriginal)
	assert.ErrorIs(t, err, ErrAssetNotFound)
}
