package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pose-factory/internal/metrics"
	"pose-factory/internal/models"
	"pose-factory/internal/store"
)

// renderTool is a stand-in for the render binary: it finds its --output
// argument, writes one frame there, and optionally records its full argv.
const renderTool = `#!/bin/sh
[ -n "$ARGS_FILE" ] && echo "$*" > "$ARGS_FILE"
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--output" ]; then out="$arg"; fi
  prev="$arg"
done
mkdir -p "$out"
echo rendered > "$out/frame_0001.png"
`

const failingTool = `#!/bin/sh
echo "renderer crashed" >&2
exit 3
`

const hangingTool = `#!/bin/sh
sleep 30
`

type testEnv struct {
	worker  *Worker
	store   store.Store
	metrics *metrics.Metrics
	root    string
}

func newTestEnv(t *testing.T, tool string, timeout time.Duration) *testEnv {
	t.Helper()

	s, err := store.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystem() = %v", err)
	}

	toolPath := filepath.Join(t.TempDir(), "render-tool")
	if err := os.WriteFile(toolPath, []byte(tool), 0o755); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	m := metrics.NewMetrics()
	w := New(s, Config{
		WorkspaceRoot: root,
		Tool:          toolPath,
		PollInterval:  10 * time.Millisecond,
		JobTimeout:    timeout,
	}, m)
	if err := w.ensureDirs(); err != nil {
		t.Fatal(err)
	}

	return &testEnv{worker: w, store: s, metrics: m, root: root}
}

// enqueue uploads a script and a pending manifest, returning the job id.
func (e *testEnv) enqueue(t *testing.T, params models.Params) string {
	t.Helper()
	ctx := context.Background()

	if params.Script != "" {
		if err := e.store.Put(ctx, models.ScriptsPrefix+params.Script, []byte("print('pose')")); err != nil {
			t.Fatal(err)
		}
	}

	manifest := models.NewManifest(models.KindRender, params)
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.store.Put(ctx, models.PendingKey(manifest.JobID), data); err != nil {
		t.Fatal(err)
	}
	return manifest.JobID
}

func (e *testEnv) readFailure(t *testing.T, id string) models.FailureRecord {
	t.Helper()
	data, err := e.store.Get(context.Background(), models.ResultsKey(id)+models.FailedSentinel)
	if err != nil {
		t.Fatalf("failure record missing: %v", err)
	}
	var record models.FailureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("failure record malformed: %v", err)
	}
	return record
}

func TestWorker_RunOnce_EmptyQueue(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	worked, err := e.worker.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce() = %v", err)
	}
	if worked {
		t.Error("runOnce() reported work on an empty queue")
	}
}

func TestWorker_RunOnce_CompletesJob(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)
	ctx := context.Background()

	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("ARGS_FILE", argsFile)

	id := e.enqueue(t, models.Params{
		Script:     "pose.py",
		Characters: []string{"hero", "villain"},
		OutputDir:  "renders/batch_1",
		Overrides:  map[string]any{"frames": "10", "engine": "cycles"},
	})

	worked, err := e.worker.runOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	// Results hold the rendered frame and the tool log.
	frame, err := e.store.Get(ctx, models.ResultsKey(id)+"frame_0001.png")
	if err != nil || strings.TrimSpace(string(frame)) != "rendered" {
		t.Errorf("result frame = %q, %v", frame, err)
	}
	if ok, _ := e.store.Exists(ctx, models.ResultsKey(id)+models.LogName); !ok {
		t.Error("log.txt not published")
	}

	// Both queue prefixes are clear.
	if ok, _ := e.store.Exists(ctx, models.PendingKey(id)); ok {
		t.Error("pending manifest still present")
	}
	if ok, _ := e.store.Exists(ctx, models.ProcessingKey(id)); ok {
		t.Error("processing manifest still present")
	}

	// Per-job workspace files are gone.
	if _, err := os.Stat(e.worker.outputDir(id)); !os.IsNotExist(err) {
		t.Error("local output dir not cleaned up")
	}
	if _, err := os.Stat(e.worker.localManifest(id)); !os.IsNotExist(err) {
		t.Error("local manifest copy not cleaned up")
	}

	// The tool saw the characters and the sorted overrides.
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("tool argv not recorded: %v", err)
	}
	argv := string(args)
	if !strings.Contains(argv, "--characters hero,villain") {
		t.Errorf("argv missing characters: %q", argv)
	}
	if !strings.Contains(argv, "--param engine=cycles --param frames=10") {
		t.Errorf("argv overrides not sorted: %q", argv)
	}

	snapshot := e.metrics.GetSnapshot()
	if snapshot["jobs_completed"] != 1 {
		t.Errorf("jobs_completed = %d, want 1", snapshot["jobs_completed"])
	}
}

func TestWorker_RunOnce_ToolFailure(t *testing.T) {
	e := newTestEnv(t, failingTool, time.Hour)
	ctx := context.Background()

	id := e.enqueue(t, models.Params{Script: "pose.py", OutputDir: "out"})

	worked, err := e.worker.runOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	record := e.readFailure(t, id)
	if record.Cause != "tool_error" {
		t.Errorf("failure cause = %q, want tool_error", record.Cause)
	}

	// The log captured stderr for postmortem.
	log, err := e.store.Get(ctx, models.ResultsKey(id)+models.LogName)
	if err != nil || !strings.Contains(string(log), "renderer crashed") {
		t.Errorf("published log = %q, %v", log, err)
	}

	if ok, _ := e.store.Exists(ctx, models.ProcessingKey(id)); ok {
		t.Error("processing manifest not cleaned up after failure")
	}
	if e.metrics.GetSnapshot()["jobs_failed"] != 1 {
		t.Error("jobs_failed not incremented")
	}
}

func TestWorker_RunOnce_MissingScript(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	// Manifest references a script that was never mirrored.
	manifest := models.NewManifest(models.KindRender, models.Params{Script: "ghost.py", OutputDir: "out"})
	data, _ := json.Marshal(manifest)
	if err := e.store.Put(context.Background(), models.PendingKey(manifest.JobID), data); err != nil {
		t.Fatal(err)
	}

	worked, err := e.worker.runOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	record := e.readFailure(t, manifest.JobID)
	if record.Cause != "missing_input" {
		t.Errorf("failure cause = %q, want missing_input", record.Cause)
	}
}

func TestWorker_RunOnce_MissingAsset(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	id := e.enqueue(t, models.Params{
		Script:    "pose.py",
		OutputDir: "out",
		Assets:    []string{"models/ghost.blend"},
	})

	worked, err := e.worker.runOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	record := e.readFailure(t, id)
	if record.Cause != "missing_input" {
		t.Errorf("failure cause = %q, want missing_input", record.Cause)
	}
}

func TestWorker_RunOnce_StagesAssets(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)
	ctx := context.Background()

	if err := e.store.Put(ctx, models.AssetsPrefix+"models/hero.blend", []byte("blend")); err != nil {
		t.Fatal(err)
	}
	id := e.enqueue(t, models.Params{
		Script:    "pose.py",
		OutputDir: "out",
		Assets:    []string{"models/hero.blend"},
	})

	worked, err := e.worker.runOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	staged, err := os.ReadFile(filepath.Join(e.worker.assetsDir(), "models", "hero.blend"))
	if err != nil || string(staged) != "blend" {
		t.Errorf("staged asset = %q, %v", staged, err)
	}
	if ok, _ := e.store.Exists(ctx, models.ResultsKey(id)+"frame_0001.png"); !ok {
		t.Error("job with staged asset did not complete")
	}
}

func TestWorker_RunOnce_Timeout(t *testing.T) {
	e := newTestEnv(t, hangingTool, 100*time.Millisecond)

	id := e.enqueue(t, models.Params{Script: "pose.py", OutputDir: "out"})

	start := time.Now()
	worked, err := e.worker.runOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("timeout did not kill the tool, took %v", elapsed)
	}

	record := e.readFailure(t, id)
	if record.Cause != "timeout" {
		t.Errorf("failure cause = %q, want timeout", record.Cause)
	}
}

func TestWorker_RunOnce_ShutdownLeavesJobInProcessing(t *testing.T) {
	e := newTestEnv(t, hangingTool, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := e.enqueue(t, models.Params{Script: "pose.py", OutputDir: "out"})

	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	worked, err := e.worker.runOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	// An interrupted job is not a failed job: no failure record, no results,
	// and the claim stays in processing for stale recovery.
	if ok, _ := e.store.Exists(context.Background(), models.ResultsKey(id)+models.FailedSentinel); ok {
		t.Error("interrupted job published a failure record")
	}
	results, err := e.store.List(context.Background(), models.ResultsKey(id))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("interrupted job published %d result objects", len(results))
	}
	if ok, _ := e.store.Exists(context.Background(), models.ProcessingKey(id)); !ok {
		t.Error("interrupted job not left in processing for re-claim")
	}
	if e.metrics.GetSnapshot()["jobs_failed"] != 0 {
		t.Error("interrupted job counted as failed")
	}
}

func TestWorker_RunOnce_MalformedManifest(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)
	ctx := context.Background()

	id := "render_20250101_120000_feed0001"
	if err := e.store.Put(ctx, models.PendingKey(id), []byte("not json")); err != nil {
		t.Fatal(err)
	}

	worked, err := e.worker.runOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("runOnce() = %v, %v", worked, err)
	}

	record := e.readFailure(t, id)
	if record.Cause != "missing_input" {
		t.Errorf("failure cause = %q, want missing_input", record.Cause)
	}
	if ok, _ := e.store.Exists(ctx, models.ProcessingKey(id)); ok {
		t.Error("unusable manifest left in processing")
	}
}

func TestWorker_RunOnce_IgnoresUnsafeKeys(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	if err := e.store.Put(context.Background(), models.PendingPrefix+"bad id.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	worked, err := e.worker.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce() = %v", err)
	}
	if worked {
		t.Error("runOnce() claimed a manifest with an unsafe key")
	}
}

func TestWorker_Claim_LostRace(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	// The pending manifest vanished between List and Get.
	_, claimed, err := e.worker.claim(context.Background(), "render_20250101_120000_feed0002")
	if err != nil {
		t.Fatalf("claim() = %v", err)
	}
	if claimed {
		t.Error("claim() succeeded on an absent manifest")
	}
	if e.metrics.GetSnapshot()["claims_lost"] != 1 {
		t.Error("claims_lost not incremented")
	}
}

func TestWorker_RecoverStale(t *testing.T) {
	e := newTestEnv(t, renderTool, 10*time.Millisecond)
	ctx := context.Background()

	manifest := models.NewManifest(models.KindRender, models.Params{Script: "pose.py", OutputDir: "out"})
	data, _ := json.Marshal(manifest)
	if err := e.store.Put(ctx, models.ProcessingKey(manifest.JobID), data); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := e.worker.recoverStale(ctx); err != nil {
		t.Fatalf("recoverStale() = %v", err)
	}
	if ok, _ := e.store.Exists(ctx, models.PendingKey(manifest.JobID)); !ok {
		t.Error("stale manifest not moved back to pending")
	}
	if ok, _ := e.store.Exists(ctx, models.ProcessingKey(manifest.JobID)); ok {
		t.Error("stale manifest still in processing")
	}
}

func TestWorker_RecoverStale_KeepsFreshClaims(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)
	ctx := context.Background()

	manifest := models.NewManifest(models.KindRender, models.Params{Script: "pose.py", OutputDir: "out"})
	data, _ := json.Marshal(manifest)
	if err := e.store.Put(ctx, models.ProcessingKey(manifest.JobID), data); err != nil {
		t.Fatal(err)
	}

	if err := e.worker.recoverStale(ctx); err != nil {
		t.Fatalf("recoverStale() = %v", err)
	}
	if ok, _ := e.store.Exists(ctx, models.ProcessingKey(manifest.JobID)); !ok {
		t.Error("fresh claim was recovered")
	}
}

func TestWorker_Run_StopsOnCancel(t *testing.T) {
	e := newTestEnv(t, renderTool, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
