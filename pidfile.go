package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// lockSuffix is appended to a mirrored file's path to name its lock file.
const lockSuffix = ".lock"

// lockFilePermissions matches the standard config file permissions (owner rw, group/other r).
const lockFilePermissions = 0o644

// acquireLock writes the current process ID to path and takes an exclusive
// flock on it. The returned function removes the file and releases the lock.
// If the lock is held, another process already owns path.
func acquireLock(path string) (release func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("lock file path is empty")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), dataDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating lock file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	// Non-blocking exclusive lock: fails immediately if another process holds it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readLockPID(path); readErr == nil {
			return nil, fmt.Errorf("another mirror is already running (PID %d holds %s)", pid, path)
		}

		return nil, fmt.Errorf("another mirror is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	// Sync to disk so readers see the PID immediately.
	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readLockPID reads the PID recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
