package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mnemosyne-app/mnemosyne/derivatives"
	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/storage"
)

// Config tunes the coordinator.
type Config struct {
	// DefaultBackends receives originals when the request carries no usable
	// storage preference.
	DefaultBackends []interfaces.BackendKind

	// BatchConcurrency bounds how many files of one batch are processed at
	// once. Defaults to 5.
	BatchConcurrency int
}

func (c *Config) withDefaults() Config {
	out := *c
	if len(out.DefaultBackends) == 0 {
		out.DefaultBackends = []interfaces.BackendKind{interfaces.BackendNeon}
	}
	if out.BatchConcurrency <= 0 {
		out.BatchConcurrency = 5
	}
	return out
}

// Request is one file to preserve.
type Request struct {
	FileName     string
	DeclaredMime string
	Data         []byte

	// Credential identifies the owner and is resolved through the injected
	// IdentityResolver before any byte is uploaded.
	Credential string

	// Preference is the user's storage preference ("neon", "icp", "s3",
	// "dual" or empty).
	Preference string

	Visibility      interfaces.Visibility
	StorageDuration *time.Duration
}

// Result is one successfully preserved memory.
type Result struct {
	Memory  *interfaces.Memory
	Asset   *interfaces.MemoryAsset
	Uploads []interfaces.UploadResult
}

// ItemResult pairs one batch entry with its outcome. Exactly one of Result
// and Err is set.
type ItemResult struct {
	Index    int
	FileName string
	Result   *Result
	Err      error
}

// BatchStats summarises one batch run.
type BatchStats struct {
	Elapsed        time.Duration
	AveragePerFile time.Duration
	TotalBytes     int64
	BytesPerSecond float64
}

// BatchResult reports per-item outcomes plus aggregate stats. A batch with
// failures is not itself a failure.
type BatchResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
	Stats     BatchStats
}

// CleanupReport describes the outcome of a memory deletion. Logical deletion
// and physical cleanup are reported separately: the ledger rows can be gone
// while a backend object lingers.
type CleanupReport struct {
	LogicalDeleteOK bool
	DeletedEdges    int

	// DeletedObjects counts backend blobs actually removed.
	DeletedObjects int
	CleanupOK      []string
	CleanupFailed  []string
	Errors         []string
}

// Coordinator runs the end-to-end preservation workflow.
type Coordinator struct {
	cfg      Config
	manager  *storage.Manager
	store    *ledger.Store
	pipeline *derivatives.Pipeline
	resolver interfaces.IdentityResolver
	log      *slog.Logger
}

// NewCoordinator wires the workflow. The pipeline may be nil, in which case
// no derivatives are scheduled.
func NewCoordinator(cfg Config, manager *storage.Manager, store *ledger.Store, pipeline *derivatives.Pipeline, resolver interfaces.IdentityResolver, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		manager:  manager,
		store:    store,
		pipeline: pipeline,
		resolver: resolver,
		log:      log.With("component", "upload-coordinator"),
	}
}

// ProcessFile preserves one file: validate, resolve the owner, upload the
// original to every preferred backend, record the memory with its asset and
// edges in one ledger transaction, then schedule derivative generation.
// Validation and identity failures cost nothing; a ledger failure after a
// successful upload is returned loudly so the orphaned blob can be found.
func (c *Coordinator) ProcessFile(ctx context.Context, req Request) (*Result, error) {
	memType, err := Validate(req.FileName, req.DeclaredMime, req.Data)
	if err != nil {
		return nil, err
	}

	ownerID, err := c.resolver.Resolve(ctx, req.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrIdentity, err)
	}

	memoryID := uuid.NewString()
	key := originalKey(memoryID, req.FileName)
	backends := BackendsForPreference(req.Preference, c.cfg.DefaultBackends)

	in := interfaces.UploadInput{
		Key:         key,
		Data:        req.Data,
		ContentType: normalizeMime(req.DeclaredMime),
		FileName:    req.FileName,
	}

	var uploads []interfaces.UploadResult
	if len(backends) == 1 {
		res, err := c.manager.Upload(ctx, in, backends[0])
		if err != nil {
			return nil, err
		}
		uploads = []interfaces.UploadResult{res}
	} else {
		uploads, err = c.manager.Replicate(ctx, in, backends)
		if err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(req.Data)
	contentHash := hex.EncodeToString(sum[:])

	visibility := req.Visibility
	if visibility == "" {
		visibility = interfaces.VisibilityPrivate
	}

	memory := &interfaces.Memory{
		ID:              memoryID,
		OwnerID:         ownerID,
		Type:            memType,
		Visibility:      visibility,
		StorageDuration: req.StorageDuration,
	}

	primary := uploads[0]
	asset := &interfaces.MemoryAsset{
		ID:               uuid.NewString(),
		MemoryID:         memoryID,
		Type:             interfaces.AssetOriginal,
		Backend:          primary.Provider,
		StorageKey:       primary.Key,
		URL:              primary.URL,
		Bytes:            int64(len(req.Data)),
		MimeType:         in.ContentType,
		ContentHash:      contentHash,
		ProcessingStatus: interfaces.ProcessingCompleted,
	}
	if memType == interfaces.MemoryImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err == nil {
			w, h := cfg.Width, cfg.Height
			asset.Width, asset.Height = &w, &h
		}
	}

	edges := make([]ledger.EdgeParams, 0, 2*len(uploads))
	for _, up := range uploads {
		edges = append(edges,
			ledger.EdgeParams{
				Key: interfaces.EdgeKey{
					MemoryID:   memoryID,
					MemoryType: memType,
					Artifact:   interfaces.ArtifactMetadata,
					Backend:    up.Provider,
				},
				Location:    memoryID,
				ContentHash: contentHash,
				SizeBytes:   int64(len(req.Data)),
			},
			ledger.EdgeParams{
				Key: interfaces.EdgeKey{
					MemoryID:   memoryID,
					MemoryType: memType,
					Artifact:   interfaces.ArtifactAsset,
					Backend:    up.Provider,
				},
				Location:    up.Key,
				ContentHash: contentHash,
				SizeBytes:   int64(len(req.Data)),
			},
		)
	}

	if err := c.store.RecordUpload(ctx, memory, asset, edges); err != nil {
		// The blob made it to at least one backend but the ledger does not
		// know about it. Log enough to find the orphan.
		c.log.Error("uploaded blob is unrecorded",
			"memoryId", memoryID,
			"backend", primary.Provider.String(),
			"key", primary.Key,
			"err", err)
		return nil, fmt.Errorf("failed to record upload: %w", err)
	}

	if c.pipeline != nil {
		c.pipeline.Enqueue(derivatives.Job{
			MemoryID:   memoryID,
			MemoryType: memType,
			Backend:    primary.Provider,
			StorageKey: primary.Key,
			MimeType:   in.ContentType,
			Bytes:      int64(len(req.Data)),
		})
	}

	c.log.Info("memory preserved",
		"memoryId", memoryID,
		"type", string(memType),
		"backends", len(uploads),
		"bytes", len(req.Data))

	return &Result{Memory: memory, Asset: asset, Uploads: uploads}, nil
}

// ProcessBatch preserves a set of files under the configured concurrency
// bound. Every item gets an individual outcome; one bad file never aborts
// its siblings.
func (c *Coordinator) ProcessBatch(ctx context.Context, reqs []Request) *BatchResult {
	started := time.Now()

	out := &BatchResult{Items: make([]ItemResult, len(reqs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := c.ProcessFile(gctx, req)
			out.Items[i] = ItemResult{Index: i, FileName: req.FileName, Result: res, Err: err}
			return nil
		})
	}
	// Workers only ever return nil; failures live in the per-item results.
	_ = g.Wait()

	var totalBytes int64
	for _, item := range out.Items {
		if item.Err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
		totalBytes += item.Result.Asset.Bytes
	}

	elapsed := time.Since(started)
	out.Stats = BatchStats{
		Elapsed:    elapsed,
		TotalBytes: totalBytes,
	}
	if len(reqs) > 0 {
		out.Stats.AveragePerFile = elapsed / time.Duration(len(reqs))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		out.Stats.BytesPerSecond = float64(totalBytes) / secs
	}

	c.log.Info("batch complete",
		"files", len(reqs),
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"elapsedMs", elapsed.Milliseconds())

	return out
}

// DeleteMemory removes a memory. Backend objects are deleted first on a
// best-effort basis, then the ledger rows are removed in one transaction.
// Physical cleanup failures never block logical deletion; they are reported
// in the returned CleanupReport.
func (c *Coordinator) DeleteMemory(ctx context.Context, memoryID string, memoryType interfaces.MemoryType) (*CleanupReport, error) {
	report := &CleanupReport{}

	assets, err := c.store.AssetsForMemory(ctx, memoryID)
	if err != nil {
		return report, fmt.Errorf("failed to list assets: %w", err)
	}
	edges, err := c.store.EdgesForMemory(ctx, memoryID, memoryType)
	if err != nil {
		return report, fmt.Errorf("failed to list edges: %w", err)
	}

	// Assets carry the per-object storage keys; asset edges cover replicas
	// the asset rows do not. Metadata edges point at the ledger row itself
	// and have nothing to delete on a backend.
	type target struct {
		backend interfaces.BackendKind
		key     string
	}
	seen := map[target]bool{}
	var targets []target
	for _, asset := range assets {
		t := target{asset.Backend, asset.StorageKey}
		if t.key != "" && !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	for _, edge := range edges {
		if edge.Artifact != interfaces.ArtifactAsset || !edge.Present {
			continue
		}
		t := target{edge.Backend, edge.Location}
		if t.key != "" && !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}

	for _, t := range targets {
		label := fmt.Sprintf("%s:%s", t.backend, t.key)
		if err := c.manager.Delete(ctx, t.backend, t.key); err != nil {
			report.CleanupFailed = append(report.CleanupFailed, label)
			report.Errors = append(report.Errors, err.Error())
			c.log.Warn("backend cleanup failed",
				"memoryId", memoryID,
				"backend", t.backend.String(),
				"key", t.key,
				"err", err)
			continue
		}
		report.DeletedObjects++
		report.CleanupOK = append(report.CleanupOK, label)
	}

	edgeCount, err := c.store.DeleteMemory(ctx, memoryID, memoryType)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, fmt.Errorf("failed to delete memory record: %w", err)
	}
	report.LogicalDeleteOK = true
	report.DeletedEdges = edgeCount

	c.log.Info("memory deleted",
		"memoryId", memoryID,
		"edges", edgeCount,
		"objectsDeleted", report.DeletedObjects,
		"cleanupFailures", len(report.CleanupFailed))

	return report, nil
}

func originalKey(memoryID, fileName string) string {
	ext := filepath.Ext(fileName)
	return fmt.Sprintf("memories/%s/original%s", memoryID, ext)
}
