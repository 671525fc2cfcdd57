package derivatives

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/storage"
)

// Observer receives pipeline events for metrics. The zero observer is a
// no-op.
type Observer interface {
	DerivativeObserved(assetType interfaces.AssetType, outcome string, d time.Duration)
	QueueDepth(depth int)
}

type nopObserver struct{}

func (nopObserver) DerivativeObserved(interfaces.AssetType, string, time.Duration) {}
func (nopObserver) QueueDepth(int)                                                 {}

// Config tunes the pipeline's worker pool and renditions.
type Config struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds one job end to end, independent of the request
	// that enqueued it.
	JobTimeout time.Duration
	Display    Spec
	Thumb      Spec
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.JobTimeout <= 0 {
		out.JobTimeout = 2 * time.Minute
	}
	if out.Display.LongestEdge == 0 {
		out.Display = DefaultDisplay
	}
	if out.Thumb.LongestEdge == 0 {
		out.Thumb = DefaultThumb
	}
	return out
}

// Job references one completed original upload.
type Job struct {
	MemoryID   string
	MemoryType interfaces.MemoryType
	Backend    interfaces.BackendKind
	StorageKey string
	MimeType   string
	Bytes      int64
}

// Pipeline consumes completed original uploads and produces display and
// thumb assets, each with its own storage edge. Jobs run on their own
// contexts: cancelling the request that enqueued a job never cancels the
// job.
type Pipeline struct {
	cfg     Config
	manager *storage.Manager
	store   *ledger.Store
	log     *slog.Logger
	obs     Observer

	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pipeline. Call Start to launch the workers.
func New(cfg Config, manager *storage.Manager, store *ledger.Store, log *slog.Logger, obs Observer) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	cfg = cfg.withDefaults()

	return &Pipeline{
		cfg:     cfg,
		manager: manager,
		store:   store,
		log:     log,
		obs:     obs,
		jobs:    make(chan Job, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.obs.QueueDepth(len(p.jobs))
				p.Process(job)
			}
		}()
	}
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Enqueue submits a job and returns immediately; it never blocks the
// caller. When the queue is full the job runs on its own goroutine instead
// of being dropped.
func (p *Pipeline) Enqueue(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Warn("Derivative pipeline closed, dropping job",
			slog.String("memory_id", job.MemoryID))
		return
	}

	select {
	case p.jobs <- job:
		p.obs.QueueDepth(len(p.jobs))
	default:
		p.log.Warn("Derivative queue full, running job unpooled",
			slog.String("memory_id", job.MemoryID))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.Process(job)
		}()
	}
}

// Process runs one job to completion. Exported so tests can run jobs
// synchronously; production code goes through Enqueue.
func (p *Pipeline) Process(job Job) {
	// Deliberately not the enqueuer's context: derivative work outlives
	// the request that triggered it.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	if job.MemoryType != interfaces.MemoryImage {
		p.log.Debug("No derivatives for memory type",
			slog.String("memory_id", job.MemoryID),
			slog.String("type", string(job.MemoryType)))
		return
	}

	specs := []Spec{p.cfg.Display, p.cfg.Thumb}

	for _, spec := range specs {
		p.seedPending(ctx, job, spec)
	}

	data, err := p.manager.Fetch(ctx, job.Backend, job.StorageKey)
	if err != nil {
		p.failAll(ctx, job, specs, fmt.Errorf("fetch original: %w", err))
		return
	}

	img, format, err := Decode(data)
	if err != nil {
		p.failAll(ctx, job, specs, fmt.Errorf("decode %s original: %w", job.MimeType, err))
		return
	}

	p.log.Debug("Generating derivatives",
		slog.String("memory_id", job.MemoryID),
		slog.String("format", format),
		slog.Int("size", len(data)))

	for _, spec := range specs {
		p.generate(ctx, job, spec, img)
	}
}

// seedPending upserts the derivative's asset row in pending state. Size and
// location carry the original's values until a render succeeds; a row that
// never progresses past pending is visible for audit and retry.
func (p *Pipeline) seedPending(ctx context.Context, job Job, spec Spec) {
	err := p.store.UpsertAsset(ctx, &interfaces.MemoryAsset{
		MemoryID:         job.MemoryID,
		Type:             spec.Type,
		Backend:          job.Backend,
		StorageKey:       derivativeKey(job.MemoryID, spec.Type),
		Bytes:            job.Bytes,
		MimeType:         "image/jpeg",
		ProcessingStatus: interfaces.ProcessingPending,
	})
	if err != nil {
		p.log.Error("Failed to seed derivative asset",
			slog.String("memory_id", job.MemoryID),
			slog.String("asset_type", string(spec.Type)),
			"err", err)
	}
}

func (p *Pipeline) failAll(ctx context.Context, job Job, specs []Spec, cause error) {
	p.log.Error("Derivative generation failed",
		slog.String("memory_id", job.MemoryID),
		"err", cause)
	for _, spec := range specs {
		p.fail(ctx, job, spec, cause)
	}
}

func (p *Pipeline) fail(ctx context.Context, job Job, spec Spec, cause error) {
	p.obs.DerivativeObserved(spec.Type, "error", 0)
	if err := p.store.SetAssetStatus(ctx, job.MemoryID, spec.Type, interfaces.ProcessingFailed, cause.Error()); err != nil {
		p.log.Error("Failed to record derivative failure",
			slog.String("memory_id", job.MemoryID),
			slog.String("asset_type", string(spec.Type)),
			"err", err)
	}
}

func (p *Pipeline) generate(ctx context.Context, job Job, spec Spec, img image.Image) {
	start := time.Now()

	if err := p.store.SetAssetStatus(ctx, job.MemoryID, spec.Type, interfaces.ProcessingActive, ""); err != nil {
		p.log.Error("Failed to mark derivative processing",
			slog.String("memory_id", job.MemoryID),
			slog.String("asset_type", string(spec.Type)),
			"err", err)
	}

	rendered, width, height, err := Render(img, spec)
	if err != nil {
		p.fail(ctx, job, spec, err)
		return
	}

	key := derivativeKey(job.MemoryID, spec.Type)
	result, err := p.manager.Upload(ctx, interfaces.UploadInput{
		Key:         key,
		Data:        rendered,
		ContentType: "image/jpeg",
		FileName:    fmt.Sprintf("%s.jpg", spec.Type),
	}, job.Backend)
	if err != nil {
		p.fail(ctx, job, spec, fmt.Errorf("upload %s: %w", spec.Type, err))
		return
	}

	hash := sha256.Sum256(rendered)
	contentHash := hex.EncodeToString(hash[:])

	err = p.store.UpsertAsset(ctx, &interfaces.MemoryAsset{
		MemoryID:         job.MemoryID,
		Type:             spec.Type,
		Backend:          result.Provider,
		StorageKey:       result.Key,
		URL:              result.URL,
		Bytes:            result.Size,
		Width:            &width,
		Height:           &height,
		MimeType:         "image/jpeg",
		ContentHash:      contentHash,
		ProcessingStatus: interfaces.ProcessingCompleted,
	})
	if err != nil {
		p.fail(ctx, job, spec, fmt.Errorf("record asset: %w", err))
		return
	}

	_, err = p.store.CreateEdge(ctx, ledger.EdgeParams{
		Key: interfaces.EdgeKey{
			MemoryID:   job.MemoryID,
			MemoryType: job.MemoryType,
			Artifact:   interfaces.ArtifactAsset,
			Backend:    result.Provider,
		},
		Location:    result.Key,
		ContentHash: contentHash,
		SizeBytes:   result.Size,
	})
	if err != nil {
		p.fail(ctx, job, spec, fmt.Errorf("record edge: %w", err))
		return
	}

	p.obs.DerivativeObserved(spec.Type, "ok", time.Since(start))
	p.log.Info("Generated derivative",
		slog.String("memory_id", job.MemoryID),
		slog.String("asset_type", string(spec.Type)),
		slog.String("backend", string(result.Provider)),
		slog.Int("width", width),
		slog.Int("height", height),
		slog.Int64("size", result.Size),
		slog.Duration("duration", time.Since(start)))
}

func derivativeKey(memoryID string, assetType interfaces.AssetType) string {
	return fmt.Sprintf("memories/%s/%s.jpg", memoryID, assetType)
}
