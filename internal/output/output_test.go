package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/DualCam/internal/media"
)

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"video/webm;codecs=vp9,opus":              "webm",
		"video/webm":                              "webm",
		"VIDEO/WEBM; codecs=vp8":                  "webm",
		"multipart/x-mixed-replace;boundary=dual": "mjpeg",
		"video/x-motion-jpeg":                     "mjpeg",
		"video/mp4":                               "bin",
		"":                                        "bin",
	}
	for mimeType, want := range tests {
		assert.Equal(t, want, Extension(mimeType), mimeType)
	}
}

func TestFileName(t *testing.T) {
	now := time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC)
	assert.Equal(t, "DualCam_2024-05-01_14-03-09.webm", FileName("video/webm", now))
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	now := time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC)
	blob := &media.Blob{MimeType: "video/webm", Data: []byte("webm-bytes")}

	path, err := Save(dir, blob, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "DualCam_2024-05-01_14-03-09.webm"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, blob.Data, data)

	second, err := Save(dir, &media.Blob{MimeType: "video/webm", Data: []byte("other")}, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "DualCam_2024-05-01_14-03-09_1.webm"), second)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("webm-bytes"), data, "existing recording is not overwritten")
}

func TestSaveNilBlob(t *testing.T) {
	_, err := Save(t.TempDir(), nil, time.Now())
	assert.Error(t, err)
}
