package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PidFile records a running worker's process ID so stop and status
// subcommands can find it from another process.
type PidFile struct {
	path string
}

// NewPidFile points at the pid file location without touching the disk.
func NewPidFile(path string) *PidFile {
	return &PidFile{path: path}
}

// Write claims the pid file for the current process. Fails when another
// live worker already holds it; a stale file from a dead process is taken
// over silently.
func (p *PidFile) Write() error {
	if pid, err := p.Read(); err == nil && processAlive(pid) {
		return fmt.Errorf("worker already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Read returns the recorded pid.
func (p *PidFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", p.path, err)
	}
	return pid, nil
}

// Remove clears the pid file, tolerating it being already gone.
func (p *PidFile) Remove() {
	_ = os.Remove(p.path)
}

// Status reports the recorded pid and whether that process is alive.
func (p *PidFile) Status() (pid int, alive bool, err error) {
	pid, err = p.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, processAlive(pid), nil
}

// Stop sends the recorded process an interrupt so it shuts down cleanly.
func (p *PidFile) Stop() (int, error) {
	pid, err := p.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no worker pid file at %s", p.path)
		}
		return 0, err
	}
	if !processAlive(pid) {
		p.Remove()
		return pid, fmt.Errorf("worker pid %d is not running", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		return pid, fmt.Errorf("signaling worker pid %d: %w", pid, err)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
