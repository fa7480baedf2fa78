package stream

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/compositor"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

// AudioPolicy decides which source microphones are attached to the stream
type AudioPolicy string

const (
	AudioMute    AudioPolicy = "mute"
	AudioSourceA AudioPolicy = "source-a"
	AudioSourceB AudioPolicy = "source-b"
	// AudioBoth attaches both tracks side by side; no sample mixing is done
	AudioBoth AudioPolicy = "mix-both"
)

// DefaultAudioPolicy treats source A (the front camera) as the primary microphone
const DefaultAudioPolicy = AudioSourceA

// Validate rejects unknown policies
func (p AudioPolicy) Validate() error {
	switch p {
	case AudioMute, AudioSourceA, AudioSourceB, AudioBoth:
		return nil
	}
	return fmt.Errorf("unknown audio policy: %q", p)
}

// VideoFrame is one snapshot of the composite surface handed to a Sink.
// The sink owns the image and should call Done when it no longer needs it.
type VideoFrame struct {
	Seq   uint64
	PTS   time.Duration
	Image *image.RGBA
	pool  *framePool
}

// Done returns the image to the stream's pool
func (f VideoFrame) Done() {
	if f.pool != nil && f.Image != nil {
		f.pool.put(f.Image)
	}
}

// AudioChunk is PCM drained from one attached track
type AudioChunk struct {
	TrackID string
	Format  media.AudioFormat
	PTS     time.Duration
	Samples []int16
}

// Sink consumes a composite stream; implemented by encoders
type Sink interface {
	WriteVideo(frame VideoFrame) error
	WriteAudio(chunk AudioChunk) error
}

// CompositeStream is the live stream derived from a composite surface
type CompositeStream struct {
	surface *compositor.Surface
	policy  AudioPolicy
	tracks  []media.AudioTrack
	sink    Sink
	pool    framePool

	epoch    time.Time
	frames   uint64
	released bool
}

// Bounds returns the frame size of the stream
func (s *CompositeStream) Bounds() image.Rectangle {
	return s.surface.Bounds()
}

// Surface returns the surface the stream was captured from
func (s *CompositeStream) Surface() *compositor.Surface {
	return s.surface
}

// AudioTracks returns the attached tracks in policy order
func (s *CompositeStream) AudioTracks() []media.AudioTrack {
	return s.tracks
}

// Policy returns the audio policy the stream was captured with
func (s *CompositeStream) Policy() AudioPolicy {
	return s.policy
}

// Frames returns how many video frames have been pushed to the sink
func (s *CompositeStream) Frames() uint64 {
	return s.frames
}

// Released reports whether Release has been called
func (s *CompositeStream) Released() bool {
	return s.released
}

// Attach binds the consumer. Only one sink is bound at a time.
func (s *CompositeStream) Attach(sink Sink) error {
	if s.released {
		return fmt.Errorf("%w: stream released", media.ErrInvalidState)
	}
	s.sink = sink
	return nil
}

// Detach unbinds the current sink
func (s *CompositeStream) Detach() {
	s.sink = nil
}

// Pump snapshots the surface and drains the attached audio tracks into the sink.
// at is the render tick time; the first pumped tick is PTS zero.
func (s *CompositeStream) Pump(at time.Time) error {
	if s.released || s.sink == nil {
		return nil
	}
	if s.epoch.IsZero() {
		s.epoch = at
	}
	pts := at.Sub(s.epoch)

	img := s.surface.CopyTo(s.pool.get(s.surface.Bounds()))
	if img == nil {
		return fmt.Errorf("%w: surface released", media.ErrInvalidState)
	}
	s.frames++
	if err := s.sink.WriteVideo(VideoFrame{Seq: s.frames, PTS: pts, Image: img, pool: &s.pool}); err != nil {
		return err
	}

	for _, track := range s.tracks {
		samples := track.ReadSamples()
		if len(samples) == 0 {
			continue
		}
		chunk := AudioChunk{
			TrackID: track.ID(),
			Format:  track.Format(),
			PTS:     pts,
			Samples: samples,
		}
		if err := s.sink.WriteAudio(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Producer hands out at most one CompositeStream per surface
type Producer struct {
	active map[*compositor.Surface]*CompositeStream
}

// NewProducer creates a producer with no live streams
func NewProducer() *Producer {
	return &Producer{
		active: make(map[*compositor.Surface]*CompositeStream),
	}
}

// Capture exposes surface as a stream and attaches audio per policy.
// Fails with media.ErrStreamAlreadyCaptured if surface already backs a live stream.
func (p *Producer) Capture(surface *compositor.Surface, policy AudioPolicy, audioA, audioB media.AudioTrack) (*CompositeStream, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if surface == nil || surface.Released() {
		return nil, fmt.Errorf("%w: surface released", media.ErrInvalidState)
	}
	if _, exists := p.active[surface]; exists {
		return nil, media.ErrStreamAlreadyCaptured
	}

	s := &CompositeStream{
		surface: surface,
		policy:  policy,
		tracks:  selectTracks(policy, audioA, audioB),
	}
	p.active[surface] = s

	ids := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		ids = append(ids, t.ID())
	}
	logger.WithComponent("stream").Debug().
		Str("policy", string(policy)).
		Strs("audio_tracks", ids).
		Str("bounds", surface.Bounds().String()).
		Msg("Composite stream captured")

	return s, nil
}

// Release stops frame capture and detaches audio. Safe to call more than once.
func (p *Producer) Release(s *CompositeStream) {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.sink = nil
	s.tracks = nil
	if p.active[s.surface] == s {
		delete(p.active, s.surface)
	}
	logger.WithComponent("stream").Debug().
		Uint64("frames", s.frames).
		Msg("Composite stream released")
}

// Active returns how many streams are currently live
func (p *Producer) Active() int {
	return len(p.active)
}

func selectTracks(policy AudioPolicy, a, b media.AudioTrack) []media.AudioTrack {
	var tracks []media.AudioTrack
	add := func(t media.AudioTrack) {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	switch policy {
	case AudioSourceA:
		add(a)
	case AudioSourceB:
		add(b)
	case AudioBoth:
		add(a)
		add(b)
	}
	return tracks
}
