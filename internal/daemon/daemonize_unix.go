//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Daemonize implements the lifecycle's "Detach" step. Go has no direct
// fork(); the idiomatic rendition of the original's double-fork is a
// single re-exec of the current binary with ReexecEnv set and Setsid in
// SysProcAttr (detaching the child from the parent's controlling
// terminal and making it its own session leader, the same effect
// os.setsid() has in the original). This is recorded as a platform-idiom
// substitution, not a behavior change: the observable contract - detach
// from the controlling terminal, reparent away from the invoking shell,
// own a PID file, reopen stdio to the log file - is identical.
//
// Daemonize returns isChild true when called from the re-exec'd
// process (the caller should proceed to run the experiment), and false
// when called from the original CLI invocation (the caller should exit
// cleanly once Daemonize returns, having already confirmed the child
// is up via its PID file).
func (d *Daemon) Daemonize() (isChild bool, err error) {
	if os.Getenv(ReexecEnv) == "1" {
		if err := d.WritePIDFile(os.Getpid()); err != nil {
			return true, fmt.Errorf("daemon: write pid file: %w", err)
		}
		return true, nil
	}
	return false, d.spawnDetached()
}

func (d *Daemon) spawnDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolve executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.LogPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create log directory: %w", err)
	}

	logFile, err := os.OpenFile(d.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("daemon: open log file %s: %w", d.LogPath, err)
	}
	defer logFile.Close()

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Dir:   "/",
		Env:   append(os.Environ(), ReexecEnv+"=1"),
		Files: []*os.File{devnull, logFile, logFile},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return fmt.Errorf("daemon: start detached process: %w", err)
	}
	// The parent doesn't wait on the child (it's detached); release its
	// handle once the PID file confirms it's alive and self-sufficient.
	defer proc.Release()

	if err := waitForPIDFile(d.pidFile, readinessTimeout); err != nil {
		return err
	}
	return nil
}
