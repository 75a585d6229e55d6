package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unreadable file out of the way into <stateDir>/quarantine and
// returns its new location.
func Quarantine(stateDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	timestamp := time.Now().Format("20060102T150405")
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), timestamp)
	dst := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}
