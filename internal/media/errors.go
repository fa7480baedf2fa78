package media

import "errors"

var (
	// ErrSourceUnavailable is returned when a source cannot report a valid frame size
	ErrSourceUnavailable = errors.New("video source unavailable")

	// ErrSourceEnded is returned by VideoSource.Frame once the feed has stopped
	ErrSourceEnded = errors.New("video source ended")

	// ErrStreamAlreadyCaptured is returned when a surface already backs a live stream
	ErrStreamAlreadyCaptured = errors.New("surface already captured")

	// ErrInvalidState is returned when an operation is called out of sequence
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupportedFormat is returned when the encoder rejects the requested format
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEncodingFailed is returned when the encoder fails during a recording
	ErrEncodingFailed = errors.New("encoding failed")

	// ErrDisposed is returned by every operation after Cleanup
	ErrDisposed = errors.New("recorder disposed")
)
