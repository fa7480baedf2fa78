package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

const (
	cameraSampleRate = 48000
	// audio is read in 20ms blocks
	cameraAudioBlock = cameraSampleRate / 50
)

// Camera captures a V4L2 device through a gst-launch-1.0 subprocess that
// writes raw RGBA frames to stdout. Running GStreamer out of process keeps
// cgo out of the capture path. Portal screens reuse it with a pipewiresrc pipeline.
type Camera struct {
	cfg      Config
	pipeline string
	// release runs after the subprocesses are gone
	release func() error

	video *exec.Cmd
	audio *exec.Cmd
	track *pcmTrack

	mu     sync.RWMutex
	latest *media.Frame
	seq    uint64
	err    error

	// readers drain the subprocess pipes; Wait must not run before they finish
	readers sync.WaitGroup

	ready  chan struct{}
	once   sync.Once
	closed bool
}

// OpenCamera starts the capture subprocess and waits for the first frame
func OpenCamera(ctx context.Context, cfg Config) (*Camera, error) {
	return openCapture(ctx, cfg, cameraPipeline(cfg), nil)
}

func openCapture(ctx context.Context, cfg Config, pipeline string, release func() error) (*Camera, error) {
	c := &Camera{
		cfg:      cfg,
		pipeline: pipeline,
		release:  release,
		ready:    make(chan struct{}),
	}

	if err := c.startVideo(); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	if cfg.AudioDevice != "" {
		if err := c.startAudio(); err != nil {
			// a camera without a microphone is still a usable source
			logger.WithComponent("source").Warn().
				Err(err).
				Str("source", cfg.ID).
				Msg("Audio capture unavailable, continuing video-only")
		}
	}

	timer := time.NewTimer(FirstFrameTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		c.mu.RLock()
		err := c.err
		c.mu.RUnlock()
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-timer.C:
		c.Close()
		return nil, fmt.Errorf("%w: no frame from %s within %v", media.ErrSourceUnavailable, cfg.ID, FirstFrameTimeout)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func cameraPipeline(cfg Config) string {
	return fmt.Sprintf("v4l2src device=%s do-timestamp=true ! %s", cfg.Device, rawVideoTail(cfg))
}

// rawVideoTail converts any video source to the fixed RGBA frames readFrames expects
func rawVideoTail(cfg Config) string {
	return fmt.Sprintf(
		"videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"fdsink fd=1 sync=false",
		cfg.Width, cfg.Height, cfg.FPS,
	)
}

func (c *Camera) audioPipeline() string {
	src := "autoaudiosrc"
	if c.cfg.AudioDevice != "default" {
		src = "pulsesrc device=" + c.cfg.AudioDevice
	}
	return fmt.Sprintf(
		"%s ! audioconvert ! audioresample ! "+
			"audio/x-raw,format=S16LE,channels=1,rate=%d ! "+
			"fdsink fd=1 sync=false",
		src, cameraSampleRate,
	)
}

func (c *Camera) startVideo() error {
	log := logger.WithComponent("source")

	cmd := launchGst(c.pipeline)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start gst-launch: %v", media.ErrSourceUnavailable, err)
	}
	c.video = cmd

	c.readers.Add(2)
	go func() {
		defer c.readers.Done()
		c.readFrames(stdout)
	}()
	go func() {
		defer c.readers.Done()
		logGstStderr(c.cfg.ID, stderr)
	}()

	log.Info().
		Str("source", c.cfg.ID).
		Str("kind", string(c.cfg.Kind)).
		Int("pid", cmd.Process.Pid).
		Msg("Capture started")
	return nil
}

func (c *Camera) startAudio() error {
	cmd := launchGst(c.audioPipeline())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start gst-launch: %w", err)
	}
	c.audio = cmd
	c.track = newPCMTrack(c.cfg.ID+"-mic", media.AudioFormat{SampleRate: cameraSampleRate, Channels: 1})

	c.readers.Add(1)
	go func() {
		defer c.readers.Done()
		c.readAudio(stdout)
	}()
	return nil
}

// readFrames reads exactly one frame at a time from the subprocess
func (c *Camera) readFrames(stdout io.Reader) {
	frameSize := c.cfg.Width * c.cfg.Height * 4
	reader := bufio.NewReaderSize(stdout, frameSize*2)

	for {
		img := image.NewRGBA(image.Rect(0, 0, c.cfg.Width, c.cfg.Height))
		if _, err := io.ReadFull(reader, img.Pix); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = media.ErrSourceEnded
			}
			c.fail(err)
			return
		}

		c.mu.Lock()
		c.seq++
		c.latest = &media.Frame{Seq: c.seq, Timestamp: time.Now(), Image: img}
		c.mu.Unlock()
		c.once.Do(func() { close(c.ready) })
	}
}

func (c *Camera) readAudio(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	block := make([]byte, cameraAudioBlock*2)
	for {
		if _, err := io.ReadFull(reader, block); err != nil {
			logger.WithComponent("source").Debug().Err(err).Str("source", c.cfg.ID).Msg("Audio capture ended")
			return
		}
		samples := make([]int16, cameraAudioBlock)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(block[i*2:]))
		}
		c.track.write(samples)
	}
}

func (c *Camera) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		logger.WithComponent("source").Warn().Err(err).Str("source", c.cfg.ID).Msg("Camera capture stopped")
	}
	c.once.Do(func() { close(c.ready) })
}

func (c *Camera) ID() string {
	return c.cfg.ID
}

func (c *Camera) Dimensions() (int, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Width, c.cfg.Height, c.latest != nil
}

func (c *Camera) Frame() (*media.Frame, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.latest == nil {
		return nil, media.ErrSourceUnavailable
	}
	return c.latest, nil
}

func (c *Camera) Audio() media.AudioTrack {
	if c.track == nil {
		return nil
	}
	return c.track
}

// Close kills the capture subprocesses. Safe to call more than once.
func (c *Camera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	procs := []*exec.Cmd{c.video, c.audio}
	for _, cmd := range procs {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	// killed processes close their pipes, so the readers hit EOF
	c.readers.Wait()
	for _, cmd := range procs {
		if cmd != nil && cmd.Process != nil {
			cmd.Wait()
		}
	}

	var err error
	if c.release != nil {
		err = c.release()
	}
	logger.WithComponent("source").Info().Str("source", c.cfg.ID).Msg("Capture closed")
	return err
}

// launchGst builds the capture subprocess; tests swap it for a plain command
var launchGst = gstLaunch

func gstLaunch(pipeline string) *exec.Cmd {
	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	return exec.Command("gst-launch-1.0", args...)
}

// logGstStderr forwards subprocess diagnostics to the logger
func logGstStderr(id string, stderr io.Reader) {
	log := logger.WithComponent("gstreamer")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("source", id).Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("source", id).Str("gst", line).Msg("GStreamer output")
		}
	}
}
