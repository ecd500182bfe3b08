package netcore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// archiveBody writes a raw response body to
// {raw_dir}/{endpoint}_{identifier}_{YYYYMMDD_HHMMSS}.{ext}. The
// timestamp suffix keeps concurrent runs from colliding; the directory
// is append-only from any run's perspective. Verifiers depend on these
// files existing, so a fetch is not "done" until its body is on disk.
func archiveBody(rawDir, endpoint, identifier, ext string, body []byte) (string, error) {
	if rawDir == "" {
		rawDir = filepath.Join("data", "raw")
	}
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", fmt.Errorf("create raw dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.%s", endpoint, identifier, time.Now().UTC().Format("20060102_150405"), ext)
	path := filepath.Join(rawDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write raw archive: %w", err)
	}
	return path, nil
}
