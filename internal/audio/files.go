package audio

import (
	"fmt"
	"os"
	"time"
)

const dirPermissions = 0o750

const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
)

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, dirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, mkdirErr)
		}
	}

	return nil
}

// FormatSize renders a byte count for log lines, e.g. "512 B", "1.5 KB", "2.0 MB".
func FormatSize(bytes int) string {
	switch {
	case bytes >= megabyte:
		return fmt.Sprintf("%.1f MB", float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Duration is the playback length of sampleCount mono samples at sampleRate.
// It is zero for a non-positive rate.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}
