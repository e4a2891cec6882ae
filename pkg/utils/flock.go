// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory exclusive lock backed by flock(2). It serializes
// read-modify-write cycles over a shared file between cooperating processes.
// It does not protect against writers that never take the lock.
type FileLock struct {
	f *os.File
}

// AcquireLock opens (creating if needed) the lock file at path and takes an
// exclusive flock on it, blocking until the lock is available.
func AcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &FileLock{f: f}, nil
}

// Release drops the lock and closes the underlying file. Safe to call once.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
