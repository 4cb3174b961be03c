package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned when another live process owns the PID file
var ErrAlreadyRunning = errors.New("another settlement-node instance is already running")

type PIDManager struct {
	path string
}

func NewPIDManager(cm *ConfigManager) (*PIDManager, error) {
	pidFileName := cm.GetConfigWithDefault("pid_path", "settlement-node.pid")
	if pidFileName == "" {
		return nil, fmt.Errorf("pid_path must not be empty")
	}

	return &PIDManager{
		path: DataPath(cm, pidFileName),
	}, nil
}

// Path returns the PID file location
func (p *PIDManager) Path() string {
	return p.path
}

// Acquire writes the current PID unless a live process already holds the file.
// A stale file left by a crashed process is replaced.
func (p *PIDManager) Acquire() error {
	if pid, err := p.ReadPID(); err == nil && pid != os.Getpid() && p.IsProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return p.WritePID(os.Getpid())
}

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}

	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New("PID file does not exist - node is not running")
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}

	return pid, nil
}

// StopProcess sends SIGTERM and waits up to gracePeriod before killing the process
func (p *PIDManager) StopProcess(pid int, gracePeriod time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(gracePeriod)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if !p.IsProcessRunning(pid) {
				return nil
			}
		}
	}
}

func (p *PIDManager) RemovePIDFile() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	if runtime.GOOS == "windows" {
		// FindProcess only succeeds for live processes on Windows
		return true
	}

	// Signal 0 checks existence
	return process.Signal(syscall.Signal(0)) == nil
}
