package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"driftstream/internal/models"
	"driftstream/internal/observability/metrics"
	"driftstream/internal/storage"
)

const (
	defaultMaxConcurrent = 2
	defaultJobTimeout    = 2 * time.Hour
)

// Config assembles the orchestrator's collaborators and limits.
type Config struct {
	Store  storage.Repository
	Engine Engine

	// Ladder overrides the default rendition ladder when non-empty.
	Ladder []models.Rendition

	// MaxConcurrent caps simultaneous encoder runs across all assets.
	MaxConcurrent int64

	// JobTimeout bounds a single encoder run.
	JobTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Orchestrator owns the transcode lifecycle for media assets: it
// serializes work per asset, caps cross-asset concurrency, verifies the
// encoder's output, and publishes the master playlist only after every
// rendition is complete. Job execution is decoupled from the lifetime of
// the request that triggered it.
type Orchestrator struct {
	store   storage.Repository
	engine  Engine
	ladder  []models.Rendition
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job  *models.TranscodeJob
	done chan struct{}
}

// NewOrchestrator wires an orchestrator. Store and Engine are required.
func NewOrchestrator(cfg Config) *Orchestrator {
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   cfg.Store,
		engine:  cfg.Engine,
		ladder:  ladder,
		timeout: timeout,
		logger:  logger,
		metrics: recorder,
		sem:     semaphore.NewWeighted(maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*jobEntry),
	}
}

// Recover rebuilds job state from durable artifacts. An asset whose master
// playlist exists is already published; everything else starts clean and
// a later StartJob re-runs it from scratch.
func (o *Orchestrator) Recover() {
	recovered := 0
	for _, asset := range o.store.ListAssets() {
		if !asset.IsMedia() {
			continue
		}
		if !storage.PackagePublished(o.store.Root(), asset) {
			continue
		}
		job := &models.TranscodeJob{
			AssetID:            asset.ID,
			OutputDir:          storage.PackageDir(o.store.Root(), asset),
			Renditions:         o.ladderCopy(),
			State:              models.JobPublished,
			MasterManifestPath: storage.MasterManifestPath(o.store.Root(), asset),
		}
		done := make(chan struct{})
		close(done)
		o.mu.Lock()
		o.jobs[asset.ID] = &jobEntry{job: job, done: done}
		o.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		o.logger.Info("recovered published packages", "count", recovered)
	}
}

// StartJob schedules a transcode for the asset. When a job for the asset
// is already pending, running, or published the existing state is
// returned untouched; only a failed job is retried.
func (o *Orchestrator) StartJob(assetID string) (models.TranscodeJob, error) {
	asset, ok := o.store.GetAsset(assetID)
	if !ok {
		return models.TranscodeJob{}, storage.ErrAssetNotFound
	}
	if !asset.IsMedia() {
		return models.TranscodeJob{}, fmt.Errorf("asset %s is not a media asset", assetID)
	}

	o.mu.Lock()
	if existing, found := o.jobs[assetID]; found && existing.job.State != models.JobFailed {
		snapshot := *existing.job
		o.mu.Unlock()
		return snapshot, nil
	}
	entry := &jobEntry{
		job: &models.TranscodeJob{
			AssetID:    assetID,
			OutputDir:  storage.PackageDir(o.store.Root(), asset),
			Renditions: o.ladderCopy(),
			State:      models.JobPending,
		},
		done: make(chan struct{}),
	}
	o.jobs[assetID] = entry
	// Snapshot before the goroutine starts mutating the entry.
	snapshot := *entry.job
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(entry.done)
		o.run(asset)
	}()

	return snapshot, nil
}

// Wait blocks until the asset's job reaches a terminal state or the
// context expires, then returns the final snapshot. The job itself keeps
// running when the caller gives up.
func (o *Orchestrator) Wait(ctx context.Context, assetID string) (models.TranscodeJob, error) {
	o.mu.RLock()
	entry, ok := o.jobs[assetID]
	o.mu.RUnlock()
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("no transcode job for asset %s", assetID)
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return models.TranscodeJob{}, ctx.Err()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *entry.job, nil
}

// Job returns a snapshot of the asset's transcode state.
func (o *Orchestrator) Job(assetID string) (models.TranscodeJob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.jobs[assetID]
	if !ok {
		return models.TranscodeJob{}, false
	}
	return *entry.job, true
}

// Jobs returns snapshots of all known jobs ordered by asset ID.
func (o *Orchestrator) Jobs() []models.TranscodeJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.TranscodeJob, 0, len(o.jobs))
	for _, entry := range o.jobs {
		out = append(out, *entry.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// Published reports whether the asset's adaptive package is live.
func (o *Orchestrator) Published(asset models.Asset) bool {
	return storage.PackagePublished(o.store.Root(), asset)
}

// Close cancels in-flight work and waits for job goroutines to settle or
// the context to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(asset models.Asset) {
	if err := o.sem.Acquire(o.ctx, 1); err != nil {
		o.fail(asset.ID, fmt.Errorf("acquire transcode slot: %w", err))
		return
	}
	defer o.sem.Release(1)

	o.transition(asset.ID, func(job *models.TranscodeJob) {
		now := time.Now().UTC()
		job.State = models.JobRunning
		job.StartedAt = &now
	})
	o.metrics.TranscodeJobStarted("default")
	o.logger.Info("transcode started", "asset_id", asset.ID)

	if err := o.execute(asset); err != nil {
		o.metrics.TranscodeJobFailed("default")
		o.fail(asset.ID, err)
		o.logger.Error("transcode failed", "asset_id", asset.ID, "error", err)
		return
	}

	o.metrics.TranscodeJobCompleted("default")
	o.transition(asset.ID, func(job *models.TranscodeJob) {
		now := time.Now().UTC()
		job.State = models.JobPublished
		job.MasterManifestPath = storage.MasterManifestPath(o.store.Root(), asset)
		job.CompletedAt = &now
		job.Error = ""
	})
	o.logger.Info("transcode published", "asset_id", asset.ID)
}

func (o *Orchestrator) execute(asset models.Asset) error {
	plan, err := BuildPlan(asset.StoragePath, storage.PackageDir(o.store.Root(), asset), o.ladder)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()
	if err := o.engine.Run(runCtx, plan); err != nil {
		return err
	}

	if err := verifyRenditions(plan); err != nil {
		return err
	}
	return publishMaster(plan)
}

// verifyRenditions confirms every rung produced its variant playlist and
// at least one segment before the package is considered complete.
func verifyRenditions(plan *Plan) error {
	entries, err := os.ReadDir(plan.OutputDir)
	if err != nil {
		return fmt.Errorf("inspect output: %w", err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = struct{}{}
	}
	for _, r := range plan.Renditions {
		if _, ok := names[r.PlaylistFile]; !ok {
			return fmt.Errorf("rendition %s missing playlist %s", r.Name, r.PlaylistFile)
		}
		prefix := r.Name + "_"
		found := false
		for name := range names {
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".ts") {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("rendition %s produced no segments", r.Name)
		}
	}
	return nil
}

// publishMaster writes the master playlist through a temp file so its
// appearance is atomic: readers either see the complete package or no
// package at all.
func publishMaster(plan *Plan) error {
	tmp, err := os.CreateTemp(plan.OutputDir, "master-*.tmp")
	if err != nil {
		return fmt.Errorf("stage master playlist: %w", err)
	}
	if _, err := tmp.Write(RenderMasterManifest(plan.Renditions)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write master playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flush master playlist: %w", err)
	}
	if err := os.Rename(tmp.Name(), plan.MasterPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish master playlist: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(assetID string, cause error) {
	o.transition(assetID, func(job *models.TranscodeJob) {
		now := time.Now().UTC()
		job.State = models.JobFailed
		job.Error = cause.Error()
		job.CompletedAt = &now
	})
}

func (o *Orchestrator) transition(assetID string, mutate func(*models.TranscodeJob)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.jobs[assetID]; ok {
		mutate(entry.job)
	}
}

func (o *Orchestrator) ladderCopy() []models.Rendition {
	out := make([]models.Rendition, len(o.ladder))
	copy(out, o.ladder)
	for i := range out {
		out[i].PlaylistFile = out[i].Name + ".m3u8"
		out[i].SegmentPattern = out[i].Name + "_%03d.ts"
	}
	return out
}
