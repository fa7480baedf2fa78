package encoder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// Options configures one encoder instance
type Options struct {
	MimeType string
	// Bitrate is the target video bitrate in bits per second
	Bitrate int
	// FPS is the nominal frame rate of the composite stream
	FPS int
	// Quality is the JPEG quality (1-100) for frame-based platforms
	Quality int
	// Timeslice is how often buffered output is delivered as a chunk
	Timeslice time.Duration
}

// DefaultOptions returns the defaults applied to zero fields
func DefaultOptions() Options {
	return Options{
		Bitrate:   2_500_000,
		FPS:       30,
		Quality:   85,
		Timeslice: time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Bitrate <= 0 {
		o.Bitrate = d.Bitrate
	}
	if o.FPS <= 0 {
		o.FPS = d.FPS
	}
	if o.Quality <= 0 {
		o.Quality = d.Quality
	}
	if o.Quality > 100 {
		o.Quality = 100
	}
	if o.Timeslice <= 0 {
		o.Timeslice = d.Timeslice
	}
	return o
}

// Chunk is one unit of encoded output in delivery order
type Chunk struct {
	Seq  uint64
	PTS  time.Duration
	Data []byte
}

// EventType distinguishes encoder notifications
type EventType int

const (
	// EventData carries a chunk of encoded output
	EventData EventType = iota
	// EventError reports a runtime failure; no further events follow
	EventError
	// EventStopped follows the last chunk after Flush
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered on Encoder.Events
type Event struct {
	Type  EventType
	Chunk Chunk
	Err   error
}

// Encoder is a running media encoder bound to a composite stream.
// Writes must not block the caller for longer than a queue insert.
type Encoder interface {
	stream.Sink

	// MimeType returns the negotiated container/codec type
	MimeType() string

	// Events delivers data, error and stopped notifications in order
	Events() <-chan Event

	// Flush asks the encoder to emit everything buffered, then EventStopped
	Flush() error

	// Close releases the encoder immediately, dropping buffered output
	Close() error
}

// Platform creates encoders. It plays the role of the host media stack
// (codec availability, container writers).
type Platform interface {
	// Name identifies the platform in config and logs
	Name() string

	// Types lists the mime types this platform can produce, preferred first
	Types() []string

	// Supports reports whether mimeType can be encoded right now
	Supports(mimeType string) bool

	// Open starts an encoder for the stream.
	// Returns media.ErrUnsupportedFormat when the mime type is rejected.
	Open(ctx context.Context, s *stream.CompositeStream, opts Options) (Encoder, error)
}

// Negotiate returns the first entry of preferred the platform supports.
// An empty preference list means the platform's own first type.
func Negotiate(p Platform, preferred []string) (string, error) {
	if len(preferred) == 0 {
		preferred = p.Types()
	}
	for _, mt := range preferred {
		if p.Supports(mt) {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: %s supports none of [%s]", media.ErrUnsupportedFormat, p.Name(), strings.Join(preferred, ", "))
}

// parseType splits a mime type into its media type and codec list.
// Browsers write codec lists unquoted ("video/webm;codecs=vp9,opus"), which
// mime.ParseMediaType rejects, so parameters are split by hand.
func parseType(mimeType string) (string, []string, error) {
	parts := strings.Split(mimeType, ";")
	mediaType := strings.ToLower(strings.TrimSpace(parts[0]))
	if typ, sub, ok := strings.Cut(mediaType, "/"); !ok || typ == "" || sub == "" || strings.ContainsAny(mediaType, " \t,=") {
		return "", nil, fmt.Errorf("invalid mime type: %q", mimeType)
	}

	var codecs []string
	for _, param := range parts[1:] {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			return "", nil, fmt.Errorf("invalid mime parameter %q in %q", param, mimeType)
		}
		if !strings.EqualFold(strings.TrimSpace(key), "codecs") {
			continue
		}
		for _, codec := range strings.Split(strings.Trim(strings.TrimSpace(value), `"`), ",") {
			if codec = strings.ToLower(strings.TrimSpace(codec)); codec != "" {
				codecs = append(codecs, codec)
			}
		}
	}
	return mediaType, codecs, nil
}

// Registry maps platform names to platforms
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

// DefaultRegistry returns a registry holding the built-in platforms
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewMJPEG())
	r.Register(NewGStreamer())
	return r
}

// Register adds or replaces a platform
func (r *Registry) Register(p Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Name()] = p
}

// Lookup finds a platform by name
func (r *Registry) Lookup(name string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown encoder platform: %q", name)
	}
	return p, nil
}

// Platforms returns all registered platforms sorted by name
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
