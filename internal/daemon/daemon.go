// Package daemon runs one experiment independent of the invoking
// terminal: preflight validation, detachment from the controlling
// terminal, PID file ownership, and signal-driven graceful stop. It is
// instantiated once per experiment rather than shared as a process-wide
// singleton, since each experiment owns its own PID file and log file.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tensegrity-ai/pidgin/internal/config"
	"github.com/tensegrity-ai/pidgin/internal/credentials"
	"github.com/tensegrity-ai/pidgin/internal/manifest"
	"github.com/tensegrity-ai/pidgin/internal/provider"
	"github.com/tensegrity-ai/pidgin/pkg/models"

	"log/slog"
)

// GracePeriod is how long StopProcess waits after SIGTERM before
// escalating to SIGKILL, per the stop contract: "graceful stop = SIGTERM
// + up to 30s wait; then SIGKILL."
const GracePeriod = 30 * time.Second

// readinessTimeout bounds how long the parent process waits for the
// detached child to write its PID file before reporting a structured
// failure back to the CLI.
const readinessTimeout = 10 * time.Second

// maxNameSuffixAttempts bounds how many "-2", "-3", ... suffixes
// Preflight tries before falling back to a timestamp suffix.
const maxNameSuffixAttempts = 50

// ReexecEnv is the marker environment variable Daemonize sets on the
// re-exec'd child so it can tell it's already the detached process
// rather than the original CLI invocation.
const ReexecEnv = "PIDGIN_DAEMON_CHILD"

// Daemon owns one experiment's detached-process lifecycle: its PID
// file, its log file, and the stop_requested flag signal handling sets.
type Daemon struct {
	ExperimentID string
	Root         string // experiments root; PID file lives at Root/active/<id>.pid
	LogPath      string
	Logger       *slog.Logger

	StopRequested atomic.Bool

	pidFile  string
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Daemon for experimentID rooted at root (the experiments
// root directory), logging to logPath once detached.
func New(experimentID, root, logPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		ExperimentID: experimentID,
		Root:         root,
		LogPath:      logPath,
		Logger:       logger,
		pidFile:      filepath.Join(root, "active", experimentID+".pid"),
		done:         make(chan struct{}),
	}
}

// PIDFile returns the path this Daemon writes its PID to.
func (d *Daemon) PIDFile() string {
	return d.pidFile
}

// ManifestCleanup is the subset of *internal/manifest.Writer the
// daemon's exit cleanup needs: read the current status, and mark
// everything still running as failed.
type ManifestCleanup interface {
	Status() models.ExperimentStatus
	MarkRunningConversationsFailed() error
	MarkExperimentEnded(at time.Time, status models.ExperimentStatus) error
}

// Preflight validates cfg, resolves every credential its models need,
// and - per the lifecycle's step 1 - picks a fresh name if cfg.Name
// collides with one of existingNames, auto-suffixing rather than
// failing outright. It mutates cfg.Name in place when it suffixes.
func Preflight(cfg *models.ExperimentConfig, existingNames map[string]bool, resolver *credentials.Resolver) []error {
	var errs []error

	if errs2 := config.Validate(*cfg); len(errs2) > 0 {
		errs = append(errs, errs2...)
	}

	if existingNames[cfg.Name] {
		cfg.Name = uniqueName(cfg.Name, existingNames)
	}

	vendors := provider.RequiredVendors([]string{cfg.AgentAModel, cfg.AgentBModel})
	errs = append(errs, resolver.ValidateRequired(vendors)...)

	return errs
}

func uniqueName(base string, existing map[string]bool) string {
	for i := 2; i <= maxNameSuffixAttempts; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !existing[candidate] {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d", base, time.Now().Unix())
}

// ExistingNames scans experimentsRoot for prior experiments' manifest
// files and returns the set of names already in use, for Preflight's
// collision check.
func ExistingNames(ctx context.Context, experimentsRoot string) (map[string]bool, error) {
	names := make(map[string]bool)
	matches, err := filepath.Glob(filepath.Join(experimentsRoot, "*", "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("daemon: glob manifests under %s: %w", experimentsRoot, err)
	}
	for _, path := range matches {
		m, err := manifest.NewReader(path).Load(ctx)
		if err != nil {
			continue // a partially-written or corrupt manifest doesn't block preflight
		}
		if m.Name != "" {
			names[m.Name] = true
		}
	}
	return names, nil
}

// WritePIDFile records pid as the owner of this Daemon's experiment.
func (d *Daemon) WritePIDFile(pid int) error {
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return fmt.Errorf("daemon: create pid directory: %w", err)
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), 0o644)
}

// RemovePIDFile removes this Daemon's PID file; a missing file is not
// an error since cleanup may run more than once on some exit paths.
func (d *Daemon) RemovePIDFile() error {
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadPIDFile reads the PID recorded at path, for the external stop
// path that never constructs a Daemon of its own.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: parse pid file %s: %w", path, err)
	}
	return pid, nil
}

func waitForPIDFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon: timed out after %s waiting for pid file %s", timeout, path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// WatchSignals installs handlers for SIGTERM, SIGINT, and SIGHUP:
// SIGTERM/SIGINT set StopRequested and close the returned channel
// (once); SIGHUP is ignored, matching the original's "ignore hangup"
// behavior. This mirrors nexus's ShutdownCoordinator.OnSignal,
// simplified to the single phase a per-experiment daemon needs - there
// is only one thing to stop here (the runner), followed by the fixed
// Cleanup sequence below, so a multi-phase handler registry would be
// more machinery than this process has components to shut down.
func (d *Daemon) WatchSignals() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				continue
			}
			d.Logger.Info("received shutdown signal", "signal", sig)
			d.StopRequested.Store(true)
			d.stopOnce.Do(func() { close(d.done) })
		}
	}()
	return d.done
}

// Cleanup runs the daemon's exit-cleanup step regardless of which exit
// path triggered it: if the manifest is still marked running, mark it
// and every still-running conversation failed, then remove the PID
// file. Safe to call on a nil ManifestCleanup (e.g. preflight failed
// before a manifest existed).
func (d *Daemon) Cleanup(m ManifestCleanup) {
	if m != nil && m.Status() == models.ExperimentRunning {
		if err := m.MarkRunningConversationsFailed(); err != nil {
			d.Logger.Error("failed marking running conversations failed during cleanup", "error", err)
		}
		if err := m.MarkExperimentEnded(time.Now(), models.ExperimentFailed); err != nil {
			d.Logger.Error("failed marking experiment ended during cleanup", "error", err)
		}
	}
	if err := d.RemovePIDFile(); err != nil {
		d.Logger.Error("failed to remove pid file", "error", err)
	}
}

// StopProcess implements the external stop contract: send SIGTERM to
// the process recorded in pidFile, wait up to grace for it to exit
// (detected by the PID file disappearing, since Cleanup removes it on
// the way out), then escalate to SIGKILL. This is used by the `pidgind
// stop` CLI path, which never constructs a Daemon of its own.
func StopProcess(pidFile string, grace time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("daemon: read pid file %s: %w", pidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon: find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: send SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("daemon: send SIGKILL to %d: %w", pid, err)
	}
	return nil
}
