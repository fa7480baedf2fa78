package source

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

// Kind selects a VideoSource implementation
type Kind string

const (
	KindPattern Kind = "pattern"
	KindCamera  Kind = "camera"
	KindScreen  Kind = "screen"
	// KindPortal captures a monitor through xdg-desktop-portal (Wayland)
	KindPortal  Kind = "portal"
)

// Config describes one video source
type Config struct {
	Kind Kind   `json:"kind" yaml:"kind" mapstructure:"kind"`
	ID   string `json:"id" yaml:"id" mapstructure:"id"`

	// Device is the V4L2 node for cameras, e.g. /dev/video0
	Device string `json:"device,omitempty" yaml:"device,omitempty" mapstructure:"device"`
	// AudioDevice is a PulseAudio source name; "default" picks autoaudiosrc, empty disables audio
	AudioDevice string `json:"audio_device,omitempty" yaml:"audio_device,omitempty" mapstructure:"audio_device"`

	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
	FPS    int `json:"fps" yaml:"fps" mapstructure:"fps"`

	// X and Y offset the captured region for screen sources
	X int `json:"x,omitempty" yaml:"x,omitempty" mapstructure:"x"`
	Y int `json:"y,omitempty" yaml:"y,omitempty" mapstructure:"y"`

	// ToneHz adds a sine tone audio track to pattern sources (0 disables)
	ToneHz float64 `json:"tone_hz,omitempty" yaml:"tone_hz,omitempty" mapstructure:"tone_hz"`
}

// Source is a VideoSource that this package opened and must close
type Source interface {
	media.VideoSource
	Close() error
}

// FirstFrameTimeout bounds how long Open waits for a capture source to deliver
var FirstFrameTimeout = 5 * time.Second

// Validate checks a source config before opening it
func (c Config) Validate() error {
	switch c.Kind {
	case KindPattern, KindCamera, KindScreen, KindPortal:
	default:
		return fmt.Errorf("unknown source kind: %q", c.Kind)
	}
	if c.Kind == KindCamera && c.Device == "" {
		return fmt.Errorf("camera source %q requires a device", c.ID)
	}
	if c.Kind != KindScreen && (c.Width <= 0 || c.Height <= 0) {
		return fmt.Errorf("source %q requires positive width and height", c.ID)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("source %q requires a positive fps", c.ID)
	}
	return nil
}

// Open starts the source described by cfg and waits for its first frame
func Open(ctx context.Context, cfg Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindPattern:
		return NewPattern(cfg), nil
	case KindCamera:
		return OpenCamera(ctx, cfg)
	case KindScreen:
		return OpenScreen(ctx, cfg)
	case KindPortal:
		return OpenPortal(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown source kind: %q", cfg.Kind)
}

// OpenPair opens both sources concurrently. If either fails, the other is closed.
func OpenPair(ctx context.Context, a, b Config) (Source, Source, error) {
	var srcs [2]Source
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range []Config{a, b} {
		g.Go(func() error {
			src, err := Open(gctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open source %q: %w", cfg.ID, err)
			}
			srcs[i] = src
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, src := range srcs {
			if src != nil {
				if cerr := src.Close(); cerr != nil {
					logger.WithComponent("source").Warn().Err(cerr).Str("source", src.ID()).Msg("Failed to close source")
				}
			}
		}
		return nil, nil, err
	}
	return srcs[0], srcs[1], nil
}
