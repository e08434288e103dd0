// Package dispatcher translates client intent into object-store state. It
// never blocks on job execution; the only long operations are the explicit
// Wait and Download.
package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pose-factory/internal/errdefs"
	"pose-factory/internal/metrics"
	"pose-factory/internal/models"
	"pose-factory/internal/store"
)

// Dispatcher owns the workstation side of the job lifecycle: submit,
// status, wait, download, list, reap.
type Dispatcher struct {
	store        store.Store
	dataDir      string
	scriptsDir   string
	pollInterval time.Duration
	metrics      *metrics.Metrics
}

// New creates a dispatcher. dataDir holds local job records under
// dataDir/jobs; scriptsDir is the local scripts tree mirrored to the store
// on submit.
func New(s store.Store, dataDir, scriptsDir string, pollInterval time.Duration, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:        s,
		dataDir:      dataDir,
		scriptsDir:   scriptsDir,
		pollInterval: pollInterval,
		metrics:      m,
	}
}

// SubmitRequest is the caller's job description. Character names are
// free-form and sanitized here; everything else must already be safe.
type SubmitRequest struct {
	Kind       models.JobKind `json:"job_type"`
	Script     string         `json:"script"`
	Characters []string       `json:"characters,omitempty"`
	OutputDir  string         `json:"output_dir"`
	Assets     []string       `json:"assets,omitempty"`
	Overrides  map[string]any `json:"overrides,omitempty"`
}

// Submit validates the request, mirrors local scripts to the store, writes
// the local record, and uploads the manifest to jobs/pending/. The manifest
// upload is the commit point: a failure before it leaves no visible job.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.Manifest, error) {
	characters := make([]string, 0, len(req.Characters))
	for _, c := range req.Characters {
		slug := models.SafeSlug(c)
		if slug == "" {
			return nil, errdefs.Validationf("character name %q sanitizes to nothing", c)
		}
		characters = append(characters, slug)
	}

	manifest := models.NewManifest(req.Kind, models.Params{
		Script:     req.Script,
		Characters: characters,
		OutputDir:  req.OutputDir,
		Assets:     req.Assets,
		Overrides:  req.Overrides,
	})
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(d.scriptsDir, filepath.FromSlash(manifest.Params.Script))
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, errdefs.Validationf("script %s not found under %s", manifest.Params.Script, d.scriptsDir)
	}

	// Scripts are an idempotent prefix mirror, not per-job copies. A partial
	// mirror is benign: no worker sees the job until the manifest lands.
	if err := store.Mirror(ctx, d.store, d.scriptsDir, models.ScriptsPrefix); err != nil {
		return nil, errdefs.Transport("mirror scripts", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errdefs.Internal("encode manifest", err)
	}

	if err := d.writeRecord(manifest.JobID, data); err != nil {
		return nil, err
	}

	if err := d.store.Put(ctx, models.PendingKey(manifest.JobID), data); err != nil {
		return nil, err
	}

	d.metrics.IncrementSubmitted()
	logrus.WithFields(logrus.Fields{
		"job_id":   manifest.JobID,
		"job_type": manifest.JobType,
	}).Info("job submitted")

	return manifest, nil
}

// Status derives the job status from store contents. The probe order
// results → processing → pending is mandatory: the worker uploads results
// before deleting the processing manifest, so the worst race resolves to
// completed, never to a regression. Ids that fail sanitization are unknown
// without touching the store.
func (d *Dispatcher) Status(ctx context.Context, id string) (models.JobStatus, error) {
	if err := models.CheckSlug(id); err != nil {
		return models.StatusUnknown, nil
	}

	results, err := d.store.List(ctx, models.ResultsKey(id))
	if err != nil {
		return models.StatusUnknown, err
	}
	if len(results) > 0 {
		return models.StatusCompleted, nil
	}

	processing, err := d.store.Exists(ctx, models.ProcessingKey(id))
	if err != nil {
		return models.StatusUnknown, err
	}
	if processing {
		return models.StatusProcessing, nil
	}

	pending, err := d.store.Exists(ctx, models.PendingKey(id))
	if err != nil {
		return models.StatusUnknown, err
	}
	if pending {
		return models.StatusPending, nil
	}

	return models.StatusUnknown, nil
}

// Wait polls Status until the job completes or timeout elapses. Cancelling
// the context stops the poll, never the worker-side job.
func (d *Dispatcher) Wait(ctx context.Context, id string, timeout time.Duration) error {
	if err := models.CheckSlug(id); err != nil {
		return err
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var last models.JobStatus

	for {
		status, err := d.Status(ctx, id)
		if err != nil {
			return err
		}
		if status != last {
			logrus.WithFields(logrus.Fields{"job_id": id, "status": status}).Info("job status changed")
			last = status
		}
		if status == models.StatusCompleted {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Timeoutf("timed out waiting for job %s after %s", id, timeout)
		}

		timer := time.NewTimer(d.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		logrus.WithField("job_id", id).Debugf("still waiting (%ds elapsed)", int(time.Since(start).Seconds()))
	}
}

// Download mirrors results/<id>/ into destDir/<id>/ and returns that path.
// It re-pulls until the results listing is stable, so a download racing the
// tail of a publish still ends complete. force skips the completed-status
// check.
func (d *Dispatcher) Download(ctx context.Context, id, destDir string, force bool) (string, error) {
	if err := models.CheckSlug(id); err != nil {
		return "", err
	}

	if !force {
		status, err := d.Status(ctx, id)
		if err != nil {
			return "", err
		}
		if status != models.StatusCompleted {
			return "", errdefs.NotFoundf("no results for job %s (status: %s)", id, status)
		}
	}

	prefix := models.ResultsKey(id)
	listing, err := d.store.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(listing) == 0 {
		return "", errdefs.NotFoundf("no results for job %s", id)
	}

	dest := filepath.Join(destDir, id)
	for {
		if err := store.Pull(ctx, d.store, prefix, dest); err != nil {
			return "", err
		}
		current, err := d.store.List(ctx, prefix)
		if err != nil {
			return "", err
		}
		if listingsEqual(listing, current) {
			return dest, nil
		}
		// The worker is still publishing; hold one poll interval and mirror
		// again.
		listing = current
		timer := time.NewTimer(d.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// List returns all locally recorded manifests, newest first. The local
// record directory is the only job history on the workstation.
func (d *Dispatcher) List() ([]*models.Manifest, error) {
	dir := filepath.Join(d.dataDir, "jobs")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Internal("read job records", err)
	}

	var manifests []*models.Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logrus.WithError(err).Warnf("skipping unreadable record %s", entry.Name())
			continue
		}
		m, err := models.ParseManifest(data)
		if err != nil {
			logrus.WithError(err).Warnf("skipping malformed record %s", entry.Name())
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		if manifests[i].CreatedAt != manifests[j].CreatedAt {
			return manifests[i].CreatedAt > manifests[j].CreatedAt
		}
		return manifests[i].JobID > manifests[j].JobID
	})
	return manifests, nil
}

// Record returns the local record for one job id.
func (d *Dispatcher) Record(id string) (*models.Manifest, error) {
	if err := models.CheckSlug(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.dataDir, "jobs", id+".json"))
	if os.IsNotExist(err) {
		return nil, errdefs.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, errdefs.Internal("read job record", err)
	}
	return models.ParseManifest(data)
}

// Reap moves processing manifests older than olderThan back to pending.
// This is deliberately a manual maintenance operation: automatic reaping
// plus benign duplicate execution could re-run a poisoned job forever.
func (d *Dispatcher) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	objects, err := d.store.List(ctx, models.ProcessingPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	reaped := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") || obj.LastModified.After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if models.CheckSlug(id) != nil {
			logrus.Warnf("ignoring processing manifest with unsafe key %q", obj.Key)
			continue
		}
		if err := d.store.Move(ctx, obj.Key, models.PendingKey(id)); err != nil {
			if err == store.ErrNotExist {
				continue // a worker finished or another reaper won
			}
			return reaped, err
		}
		d.metrics.IncrementReaped()
		logrus.WithField("job_id", id).Info("stale processing manifest moved back to pending")
		reaped++
	}
	return reaped, nil
}

func (d *Dispatcher) writeRecord(id string, data []byte) error {
	dir := filepath.Join(d.dataDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Internal("create record dir", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644); err != nil {
		return errdefs.Internal("write job record", err)
	}
	return nil
}

func listingsEqual(a, b []store.Object) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Size != b[i].Size {
			return false
		}
	}
	return true
}
