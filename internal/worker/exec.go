package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"pose-factory/internal/errdefs"
	"pose-factory/internal/models"
)

// killGrace bounds how long a timed-out tool gets between SIGKILL of its
// process group and Wait giving up on pipe drains.
const killGrace = 10 * time.Second

// execute runs the render tool for one claimed job. Stdout and stderr are
// captured to the per-job log file; the tool runs with the workspace as its
// working directory and writes only into the job's output directory.
func (w *Worker) execute(ctx context.Context, manifest *models.Manifest) error {
	id := manifest.JobID
	outDir := w.outputDir(id)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	logFile, err := os.Create(w.logPath(id))
	if err != nil {
		return err
	}
	defer logFile.Close()

	runCtx := ctx
	if !w.cfg.Debug && w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, w.cfg.Tool, w.toolArgs(manifest, outDir)...)
	cmd.Dir = w.cfg.WorkspaceRoot
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// The tool spawns helpers (renderer subprocesses, model loaders); a
	// timeout must take down the whole process group, not just the leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	logrus.WithFields(logrus.Fields{"job_id": id, "tool": w.cfg.Tool}).Info("executing job")
	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started).Round(time.Second)

	if ctx.Err() != nil {
		// Worker shutdown, not a job failure. The processing manifest stays
		// claimed so restart or reap re-runs the job.
		return ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return errdefs.Executionf(errdefs.CauseTimeout, "tool killed after %s (timeout %s)", elapsed, w.cfg.JobTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errdefs.Executionf(errdefs.CauseToolError, "tool exited with code %d after %s", exitErr.ExitCode(), elapsed)
		}
		return errdefs.Executionf(errdefs.CauseToolError, "tool failed to start: %v", err)
	}

	logrus.WithFields(logrus.Fields{"job_id": id, "elapsed": elapsed.String()}).Info("tool finished")
	return nil
}

// toolArgs builds the tool command line. Overrides are emitted in sorted key
// order so reruns of the same manifest produce an identical invocation.
func (w *Worker) toolArgs(manifest *models.Manifest, outDir string) []string {
	args := []string{
		"--script", filepath.Join(w.scriptsDir(), filepath.FromSlash(manifest.Params.Script)),
		"--", "--output", outDir,
	}
	if len(manifest.Params.Characters) > 0 {
		args = append(args, "--characters", strings.Join(manifest.Params.Characters, ","))
	}

	keys := make([]string, 0, len(manifest.Params.Overrides))
	for k := range manifest.Params.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--param", fmt.Sprintf("%s=%v", k, manifest.Params.Overrides[k]))
	}
	return args
}
