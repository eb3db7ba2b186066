package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingFile appends to a single log file and rotates it aside once the
// size cap is reached. Backups are numbered path.1 (newest) through
// path.N and pruned by count and age.
type rotatingFile struct {
	mu sync.Mutex

	path    string
	capSize int64
	keep    int
	maxAge  time.Duration

	current *os.File
	written int64
}

func newRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingFile, error) {
	if path == "" {
		return nil, errors.New("rotating file path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingFile{
		path:    path,
		capSize: int64(maxSizeMB) * 1024 * 1024,
		keep:    maxBackups,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.open(); err != nil {
		return 0, err
	}
	if f.written+int64(len(p)) > f.capSize {
		f.rotate()
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.current.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	f.written = 0
	return err
}

func (f *rotatingFile) open() error {
	if f.current != nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.current = file
	f.written = info.Size()
	return nil
}

// rotate shifts the live file into the backup chain. Rename failures are
// ignored; the worst case is an oversized backup, never lost writes.
func (f *rotatingFile) rotate() {
	if f.current != nil {
		_ = f.current.Close()
		f.current = nil
	}
	f.written = 0

	for i := f.keep - 1; i >= 1; i-- {
		older := f.backupName(i)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, f.backupName(i+1))
		}
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = os.Rename(f.path, f.backupName(1))
	}
	f.pruneAged()
}

func (f *rotatingFile) backupName(n int) string {
	return fmt.Sprintf("%s.%d", f.path, n)
}

func (f *rotatingFile) pruneAged() {
	if f.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.maxAge)
	for i := 1; i <= f.keep; i++ {
		name := f.backupName(i)
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}
