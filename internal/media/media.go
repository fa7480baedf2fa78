package media

import (
	"image"
	"time"
)

// Frame is a single decoded video frame read from a VideoSource
type Frame struct {
	// Seq is the source's monotonic frame counter
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Image holds the pixels. Consumers must treat it as read-only.
	Image *image.RGBA
}

// VideoSource is a live feed owned by the camera-acquisition layer.
// The recording engine only reads from it.
type VideoSource interface {
	// ID returns a stable identifier used in logs and events
	ID() string

	// Dimensions reports the native frame size.
	// ok is false until the source has produced a valid frame.
	Dimensions() (width, height int, ok bool)

	// Frame returns the most recent frame.
	// Returns ErrSourceEnded (or the underlying failure) once the feed has stopped.
	Frame() (*Frame, error)

	// Audio returns the audio track attached to this source, or nil
	Audio() AudioTrack
}

// AudioFormat describes interleaved signed 16-bit PCM
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// AudioTrack is a live PCM feed attached to a VideoSource
type AudioTrack interface {
	// ID returns a stable identifier for the track
	ID() string

	// Format returns the PCM layout of ReadSamples
	Format() AudioFormat

	// ReadSamples drains the samples captured since the previous call.
	// Returns nil when nothing new is buffered.
	ReadSamples() []int16
}

// Blob is the finalized output of a recording session
type Blob struct {
	MimeType string
	Data     []byte
}

// Size returns the blob length in bytes
func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}
