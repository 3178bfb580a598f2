package trigger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// stageAttachment writes the attachment body to stagingDir/filename.
// A file already present under that name is renamed with a timestamp
// suffix before the new one is written.
func stageAttachment(body io.Reader, stagingDir, filename string) (string, error) {
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return "", err
	}
	// attachment names come from the wire: keep only the base name
	dst := filepath.Join(stagingDir, filepath.Base(filename))

	if _, err := os.Stat(dst); err == nil {
		stamp := time.Now().Format("20060102_150405")
		ext := filepath.Ext(dst)
		backup := dst[:len(dst)-len(ext)] + "_" + stamp + ext
		if err := os.Rename(dst, backup); err != nil {
			return "", fmt.Errorf("backup staged file: %w", err)
		}
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write attachment %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}
