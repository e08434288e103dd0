// Package worker implements the GPU-host agent: a strictly serial loop that
// drains jobs/pending/ one job at a time. At most one job is in flight per
// worker process; GPU memory and render-tool licensing do not admit
// parallelism, and serialization keeps the claim protocol correct.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pose-factory/internal/errdefs"
	"pose-factory/internal/metrics"
	"pose-factory/internal/models"
	"pose-factory/internal/store"
)

// retention bounds how long finished per-job files (logs, local manifest
// copies) stay on the worker.
const retention = 24 * time.Hour

// Config carries the worker knobs.
type Config struct {
	WorkspaceRoot string
	Tool          string
	PollInterval  time.Duration
	JobTimeout    time.Duration
	// ClaimBackoff sleeps random(0, PollInterval) before each claim. Only
	// useful for multi-worker deployments; the claim race is benign either
	// way.
	ClaimBackoff bool
	// Debug disables the tool execution timeout.
	Debug bool
}

// Worker polls the store for pending jobs and executes them to completion
// or recorded failure.
type Worker struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a worker agent.
func New(s store.Store, cfg Config, m *metrics.Metrics) *Worker {
	return &Worker{store: s, cfg: cfg, metrics: m}
}

func (w *Worker) assetsDir() string  { return filepath.Join(w.cfg.WorkspaceRoot, "assets") }
func (w *Worker) scriptsDir() string { return filepath.Join(w.cfg.WorkspaceRoot, "scripts") }
func (w *Worker) logsDir() string    { return filepath.Join(w.cfg.WorkspaceRoot, "logs") }
func (w *Worker) outputDir(id string) string {
	return filepath.Join(w.cfg.WorkspaceRoot, "output", id)
}
func (w *Worker) localManifest(id string) string {
	return filepath.Join(w.cfg.WorkspaceRoot, "jobs", "processing", id+".json")
}
func (w *Worker) logPath(id string) string {
	return filepath.Join(w.logsDir(), id+".log")
}

// Run executes the main loop until the context is cancelled. On start, any
// processing manifest older than the job timeout is treated as a crashed
// claim and moved back to pending.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureDirs(); err != nil {
		return err
	}

	if err := w.recoverStale(ctx); err != nil {
		logrus.WithError(err).Warn("stale claim recovery failed, continuing")
	}

	logrus.WithField("workspace", w.cfg.WorkspaceRoot).Info("worker started, polling for jobs")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := w.runOnce(ctx)
		if err != nil {
			logrus.WithError(err).Error("poll iteration failed")
			if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		if !worked {
			if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// runOnce lists pending jobs and serves the lexically first one (ids embed
// the creation timestamp, so lexical order is oldest-first). Returns false
// when the queue was empty.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	objects, err := w.store.List(ctx, models.PendingPrefix)
	if err != nil {
		return false, err
	}

	id := ""
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		candidate := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if models.CheckSlug(candidate) != nil {
			logrus.Warnf("ignoring pending manifest with unsafe key %q", obj.Key)
			continue
		}
		id = candidate
		break
	}
	if id == "" {
		return false, nil
	}

	if w.cfg.ClaimBackoff && w.cfg.PollInterval > 0 {
		if err := w.sleep(ctx, time.Duration(rand.Int63n(int64(w.cfg.PollInterval)))); err != nil {
			return false, err
		}
	}

	manifest, claimed, err := w.claim(ctx, id)
	if err != nil {
		return false, err
	}
	if !claimed {
		return true, nil
	}

	w.process(ctx, id, manifest)
	return true, nil
}

// claim downloads the manifest and moves it pending → processing via
// copy-then-delete. A vanished source means another worker won; that is not
// an error.
func (w *Worker) claim(ctx context.Context, id string) (*models.Manifest, bool, error) {
	data, err := w.store.Get(ctx, models.PendingKey(id))
	if errors.Is(err, store.ErrNotExist) {
		w.metrics.IncrementClaimsLost()
		logrus.WithField("job_id", id).Info("pending manifest gone, claim lost")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := os.WriteFile(w.localManifest(id), data, 0o644); err != nil {
		return nil, false, err
	}

	if err := w.store.Move(ctx, models.PendingKey(id), models.ProcessingKey(id)); err != nil {
		if errors.Is(err, store.ErrNotExist) {
			w.metrics.IncrementClaimsLost()
			logrus.WithField("job_id", id).Info("claim lost to another worker")
			_ = os.Remove(w.localManifest(id))
			return nil, false, nil
		}
		return nil, false, err
	}

	manifest, err := models.ParseManifest(data)
	if err != nil || manifest.Validate() != nil {
		// The manifest was claimed but cannot be executed. Record the
		// failure so the submitter sees it instead of a stuck job.
		logrus.WithField("job_id", id).WithError(err).Error("claimed manifest is unusable")
		w.fail(ctx, id, &errdefs.ExecutionError{Cause: errdefs.CauseMissingInput, Message: "manifest unreadable or invalid"})
		return nil, false, nil
	}

	logrus.WithFields(logrus.Fields{"job_id": id, "job_type": manifest.JobType}).Info("job claimed")
	return manifest, true, nil
}

// process drives one claimed job through stage → execute → publish →
// cleanup. Permanent failures are recorded under results/<id>/; transient
// transport failures leave the processing manifest in place for a retry
// after restart or reap.
func (w *Worker) process(ctx context.Context, id string, manifest *models.Manifest) {
	if err := w.stage(ctx, manifest); err != nil {
		w.dispose(ctx, id, err)
		return
	}
	if err := w.execute(ctx, manifest); err != nil {
		w.dispose(ctx, id, err)
		return
	}
	if err := w.publish(ctx, id); err != nil {
		logrus.WithField("job_id", id).WithError(err).Error("publish failed, leaving job in processing")
		return
	}
	w.metrics.IncrementCompleted()
	logrus.WithField("job_id", id).Info("job completed")
	w.cleanup(ctx, id)
}

func (w *Worker) dispose(ctx context.Context, id string, err error) {
	var execErr *errdefs.ExecutionError
	if errors.As(err, &execErr) {
		w.fail(ctx, id, execErr)
		return
	}
	logrus.WithField("job_id", id).WithError(err).Error("transient failure, leaving job in processing")
}

// stage mirrors the scripts prefix into the workspace cache and fetches
// every asset the manifest references. A missing script or asset is a
// permanent job failure.
func (w *Worker) stage(ctx context.Context, manifest *models.Manifest) error {
	if err := store.Pull(ctx, w.store, models.ScriptsPrefix, w.scriptsDir()); err != nil {
		return err
	}

	script := filepath.Join(w.scriptsDir(), filepath.FromSlash(manifest.Params.Script))
	if _, err := os.Stat(script); err != nil {
		return errdefs.Executionf(errdefs.CauseMissingInput, "script %s not on store", manifest.Params.Script)
	}

	for _, asset := range manifest.Params.Assets {
		local := filepath.Join(w.assetsDir(), filepath.FromSlash(asset))
		if _, err := os.Stat(local); err == nil {
			continue // cached from an earlier job
		}
		data, err := w.store.Get(ctx, models.AssetsPrefix+asset)
		if errors.Is(err, store.ErrNotExist) {
			return errdefs.Executionf(errdefs.CauseMissingInput, "asset %s not on store", asset)
		}
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// publish mirrors the job's output tree into results/<id>/ and uploads the
// log last. Only after the full results upload does cleanup delete the
// processing manifest; the status probe order depends on this.
func (w *Worker) publish(ctx context.Context, id string) error {
	if err := store.Mirror(ctx, w.store, w.outputDir(id), models.ResultsKey(id)); err != nil {
		return err
	}
	return w.uploadLog(ctx, id)
}

// fail records a permanent failure: the log plus a _FAILED sentinel with
// the cause code. The results prefix becoming non-empty is what flips the
// derived status to completed, so the submitter can inspect the failure.
func (w *Worker) fail(ctx context.Context, id string, execErr *errdefs.ExecutionError) {
	if err := w.uploadLog(ctx, id); err != nil {
		logrus.WithField("job_id", id).WithError(err).Error("log upload failed, leaving job in processing")
		return
	}
	record, err := json.Marshal(models.FailureRecord{Cause: execErr.Cause, Message: execErr.Message})
	if err != nil {
		logrus.WithField("job_id", id).WithError(err).Error("encode failure record")
		return
	}
	if err := w.store.Put(ctx, models.ResultsKey(id)+models.FailedSentinel, record); err != nil {
		logrus.WithField("job_id", id).WithError(err).Error("failure record upload failed, leaving job in processing")
		return
	}
	w.metrics.IncrementFailed()
	logrus.WithFields(logrus.Fields{"job_id": id, "cause": execErr.Cause}).Warn("job failed")
	w.cleanup(ctx, id)
}

func (w *Worker) uploadLog(ctx context.Context, id string) error {
	data, err := os.ReadFile(w.logPath(id))
	if os.IsNotExist(err) {
		data = nil // job failed before the tool ever ran
	} else if err != nil {
		return err
	}
	return w.store.Put(ctx, models.ResultsKey(id)+models.LogName, data)
}

// cleanup deletes the processing manifest and the per-job workspace files.
// Cached assets and scripts survive across jobs.
func (w *Worker) cleanup(ctx context.Context, id string) {
	if err := w.store.Delete(ctx, models.ProcessingKey(id)); err != nil && !errors.Is(err, store.ErrNotExist) {
		logrus.WithField("job_id", id).WithError(err).Error("failed to delete processing manifest")
	}
	if err := os.RemoveAll(w.outputDir(id)); err != nil {
		logrus.WithField("job_id", id).WithError(err).Warn("failed to remove job output dir")
	}
	if err := os.Remove(w.localManifest(id)); err != nil && !os.IsNotExist(err) {
		logrus.WithField("job_id", id).WithError(err).Warn("failed to remove local manifest copy")
	}
	w.pruneOld()
}

// pruneOld removes per-job leftovers older than the retention window.
func (w *Worker) pruneOld() {
	for _, dir := range []string{w.logsDir(), filepath.Join(w.cfg.WorkspaceRoot, "jobs", "processing")} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		cutoff := time.Now().Add(-retention)
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, entry.Name()))
			}
		}
	}
}

// recoverStale moves processing manifests older than the job timeout back
// to pending. Only run at startup; steady-state reaping is a deliberate
// manual operation.
func (w *Worker) recoverStale(ctx context.Context) error {
	objects, err := w.store.List(ctx, models.ProcessingPrefix)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-w.cfg.JobTimeout)
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") || obj.LastModified.After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if models.CheckSlug(id) != nil {
			continue
		}
		if err := w.store.Move(ctx, obj.Key, models.PendingKey(id)); err != nil {
			if errors.Is(err, store.ErrNotExist) {
				continue
			}
			return err
		}
		logrus.WithField("job_id", id).Warn("recovered stale processing manifest")
	}
	return nil
}

func (w *Worker) ensureDirs() error {
	for _, dir := range []string{
		w.assetsDir(), w.scriptsDir(), w.logsDir(),
		filepath.Join(w.cfg.WorkspaceRoot, "output"),
		filepath.Join(w.cfg.WorkspaceRoot, "jobs", "pending"),
		filepath.Join(w.cfg.WorkspaceRoot, "jobs", "processing"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
