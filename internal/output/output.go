// Package output persists finished recordings to disk.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

// FilePrefix starts every saved recording name
const FilePrefix = "DualCam_"

// TimestampLayout formats the save time, e.g. 2024-05-01_14-03-09
const TimestampLayout = "2006-01-02_15-04-05"

// Extension maps a recording mime type to a file extension
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "video/webm", "audio/webm":
		return "webm"
	case "multipart/x-mixed-replace", "video/x-motion-jpeg":
		return "mjpeg"
	default:
		return "bin"
	}
}

// FileName returns the name Save uses for a blob finished at now
func FileName(mimeType string, now time.Time) string {
	return FilePrefix + now.Format(TimestampLayout) + "." + Extension(mimeType)
}

// Save writes blob into dir and returns the full path.
// A numeric suffix is added when a recording with the same timestamp already exists.
func Save(dir string, blob *media.Blob, now time.Time) (string, error) {
	if blob == nil {
		return "", errors.New("no recording to save")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := FileName(blob.MimeType, now)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		path := filepath.Join(dir, name)
		if i > 0 {
			path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}

		if _, err := f.Write(blob.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}

		logger.WithComponent("output").Info().
			Str("path", path).
			Str("mime_type", blob.MimeType).
			Int("bytes", blob.Size()).
			Msg("Recording saved")
		return path, nil
	}
}
