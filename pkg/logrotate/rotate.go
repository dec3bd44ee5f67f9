// Package logrotate rotates log files that are written by another process.
//
// The writer keeps its descriptor open in O_APPEND mode, so rotation copies
// the current content to <file>.<unix-nanos> and truncates the original in
// place (copy-truncate). Lines written between the copy and the truncate are
// lost, which is acceptable for sandbox console logs.
package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DefaultMaxSize = 10 << 20

type Policy struct {
	MaxAge      time.Duration // rotated files older than this are pruned, 0 keeps them forever
	MaxSize     int64         // rotate once a file grows beyond this, 0 disables rotation
	AutoCleanup bool          // remove stale logs of any kind before sandboxes start
}

// RotateIfNeeded rotates path when it exceeds maxSize and returns the name of
// the rotated copy, or "" when nothing happened.
func RotateIfNeeded(path string, maxSize int64, now time.Time) (string, error) {
	if maxSize <= 0 {
		return "", nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info.Size() <= maxSize {
		return "", nil
	}

	return Rotate(path, now)
}

// Rotate copies path to path.<unix-nanos> and truncates path.
func Rotate(path string, now time.Time) (string, error) {
	rotated := fmt.Sprintf("%s.%d", path, now.UnixNano())

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(rotated, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create rotated file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(rotated)
		return "", fmt.Errorf("copy log: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}

	if err := os.Truncate(path, 0); err != nil {
		return rotated, fmt.Errorf("truncate log: %w", err)
	}

	return rotated, nil
}

// IsRotated reports whether name looks like <something>.log.<unix-nanos>.
func IsRotated(name string) bool {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || !strings.HasSuffix(name[:idx], ".log") {
		return false
	}
	_, err := strconv.ParseInt(name[idx+1:], 10, 64)
	return err == nil
}

// Prune removes rotated files in dir whose modification time is older than maxAge.
func Prune(dir string, maxAge time.Duration, now time.Time) ([]string, error) {
	return removeOlder(dir, maxAge, now, IsRotated)
}

// Cleanup removes every log file in dir, live or rotated, that was not
// written within maxAge.
func Cleanup(dir string, maxAge time.Duration, now time.Time) ([]string, error) {
	return removeOlder(dir, maxAge, now, func(name string) bool {
		return strings.HasSuffix(name, ".log") || IsRotated(name)
	})
}

func removeOlder(dir string, maxAge time.Duration, now time.Time, match func(string) bool) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			p := filepath.Join(dir, e.Name())
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			removed = append(removed, p)
		}
	}
	return removed, nil
}
