package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

const (
	gstLaunchBin  = "gst-launch-1.0"
	gstInspectBin = "gst-inspect-1.0"

	gstQueueSize = 32
	gstReadSize  = 64 << 10
)

var videoEncoders = map[string]string{
	"vp8":  "vp8enc",
	"vp08": "vp8enc",
	"vp9":  "vp9enc",
	"vp09": "vp9enc",
}

var audioEncoders = map[string]string{
	"opus": "opusenc",
}

// GStreamer encodes WebM through a gst-launch-1.0 subprocess. Raw RGBA frames
// go in on stdin, PCM on fd 3, and the muxed container comes back on stdout.
type GStreamer struct {
	lookPath func(file string) (string, error)
	inspect  func(element string) bool

	mu    sync.Mutex
	known map[string]bool
}

// NewGStreamer creates the gstreamer platform using the binaries on PATH
func NewGStreamer() *GStreamer {
	return &GStreamer{
		lookPath: exec.LookPath,
		inspect: func(element string) bool {
			return exec.Command(gstInspectBin, "--exists", element).Run() == nil
		},
		known: make(map[string]bool),
	}
}

func (g *GStreamer) Name() string {
	return "gstreamer"
}

func (g *GStreamer) Types() []string {
	return []string{
		"video/webm;codecs=vp9,opus",
		"video/webm;codecs=vp8,opus",
		"video/webm",
	}
}

func (g *GStreamer) Supports(mimeType string) bool {
	elements, err := requiredElements(mimeType)
	if err != nil {
		return false
	}
	if _, err := g.lookPath(gstLaunchBin); err != nil {
		return false
	}
	return g.hasElements(elements)
}

func (g *GStreamer) hasElement(element string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok, cached := g.known[element]; cached {
		return ok
	}
	ok := g.inspect(element)
	g.known[element] = ok
	if !ok {
		logger.WithComponent("gstreamer").Debug().Str("element", element).Msg("GStreamer element not installed")
	}
	return ok
}

// webmCodecs picks the video and audio encoders for a webm mime type
func webmCodecs(mimeType string) (video, audio string, err error) {
	mediaType, codecs, err := parseType(mimeType)
	if err != nil {
		return "", "", err
	}
	if mediaType != "video/webm" {
		return "", "", fmt.Errorf("not a webm type: %s", mediaType)
	}
	video, audio = videoEncoders["vp8"], audioEncoders["opus"]
	for _, c := range codecs {
		// RFC 6381 style "vp09.00.10.08" names the codec before the first dot
		name, _, _ := strings.Cut(c, ".")
		if el, ok := videoEncoders[name]; ok {
			video = el
		} else if el, ok := audioEncoders[c]; ok {
			audio = el
		} else {
			return "", "", fmt.Errorf("unsupported codec %q", c)
		}
	}
	return video, audio, nil
}

// requiredElements lists the elements every recording of mimeType needs.
// The audio branch counts only when the type names an audio codec; otherwise
// Open checks it per stream and falls back to video-only.
func requiredElements(mimeType string) ([]string, error) {
	video, audio, err := webmCodecs(mimeType)
	if err != nil {
		return nil, err
	}
	elements := []string{"fdsrc", "rawvideoparse", "videoconvert", video, "webmmux", "fdsink"}
	if namesAudio(mimeType) {
		elements = append(elements, audioElements(audio)...)
	}
	return elements, nil
}

func audioElements(encoder string) []string {
	return []string{"rawaudioparse", "audioconvert", "audioresample", encoder}
}

func namesAudio(mimeType string) bool {
	_, codecs, err := parseType(mimeType)
	if err != nil {
		return false
	}
	for _, c := range codecs {
		if _, ok := audioEncoders[c]; ok {
			return true
		}
	}
	return false
}

func (g *GStreamer) hasElements(elements []string) bool {
	for _, el := range elements {
		if !g.hasElement(el) {
			return false
		}
	}
	return true
}

// gstPipeline describes the launch line for one encoder
type gstPipeline struct {
	Width, Height int
	FPS           int
	Bitrate       int
	VideoEncoder  string
	AudioEncoder  string
	// Audio is the format of the fd 3 branch, nil for video-only
	Audio *media.AudioFormat
}

func (p gstPipeline) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "webmmux name=mux streamable=true ! fdsink fd=1 sync=false ")
	fmt.Fprintf(&b, "fdsrc fd=0 ! rawvideoparse format=rgba width=%d height=%d framerate=%d/1 ! videoconvert ! ",
		p.Width, p.Height, p.FPS)
	switch p.VideoEncoder {
	case "vp9enc":
		fmt.Fprintf(&b, "vp9enc target-bitrate=%d deadline=1 cpu-used=8 row-mt=true ! ", p.Bitrate)
	default:
		fmt.Fprintf(&b, "%s target-bitrate=%d deadline=1 cpu-used=8 ! ", p.VideoEncoder, p.Bitrate)
	}
	b.WriteString("queue ! mux.")
	if p.Audio != nil {
		fmt.Fprintf(&b, " fdsrc fd=3 ! rawaudioparse format=pcm pcm-format=s16le sample-rate=%d num-channels=%d ! "+
			"audioconvert ! audioresample ! %s ! queue ! mux.",
			p.Audio.SampleRate, p.Audio.Channels, p.AudioEncoder)
	}
	return b.String()
}

func (g *GStreamer) Open(ctx context.Context, s *stream.CompositeStream, opts Options) (Encoder, error) {
	if !g.Supports(opts.MimeType) {
		return nil, fmt.Errorf("%w: %s cannot produce %q", media.ErrUnsupportedFormat, g.Name(), opts.MimeType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	videoEl, audioEl, err := webmCodecs(opts.MimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrUnsupportedFormat, err)
	}

	log := logger.WithComponent("gstreamer")
	bounds := s.Bounds()
	pipeline := gstPipeline{
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		FPS:          opts.FPS,
		Bitrate:      opts.Bitrate,
		VideoEncoder: videoEl,
		AudioEncoder: audioEl,
	}

	tracks := s.AudioTracks()
	if len(tracks) > 0 && !g.hasElements(audioElements(audioEl)) {
		log.Warn().
			Str("audio_encoder", audioEl).
			Msg("GStreamer audio elements not installed, recording video only")
		tracks = nil
	}
	var trackID string
	if len(tracks) > 0 {
		format := tracks[0].Format()
		pipeline.Audio = &format
		trackID = tracks[0].ID()
		if len(tracks) > 1 {
			log.Warn().
				Str("track", trackID).
				Int("attached", len(tracks)).
				Msg("WebM output carries one audio track, extra tracks ignored")
		}
	}

	args := append([]string{"-q", "-e"}, strings.Fields(pipeline.String())...)
	// not bound to ctx: the encoder outlives the call that opened it
	cmd := exec.Command(gstLaunchBin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	diag := &gstDiagnostics{}
	cmd.Stderr = diag

	var audioR, audioW *os.File
	if pipeline.Audio != nil {
		audioR, audioW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create audio pipe: %w", err)
		}
		cmd.ExtraFiles = []*os.File{audioR}
	}

	if err := cmd.Start(); err != nil {
		if audioR != nil {
			audioR.Close()
			audioW.Close()
		}
		return nil, fmt.Errorf("%w: failed to start %s: %v", media.ErrEncodingFailed, gstLaunchBin, err)
	}
	if audioR != nil {
		// the child holds its own copy
		audioR.Close()
	}

	e := &gstEncoder{
		opts:    opts,
		emitter: newEmitter(),
		cmd:     cmd,
		stdin:   stdin,
		audio:   audioW,
		trackID: trackID,
		diag:    diag,
		in:      make(chan sinkItem, gstQueueSize),
		data:    make(chan []byte, 4),
		exited:  make(chan error, 1),
	}
	e.wg.Add(3)
	go e.writeInput()
	go e.readOutput(stdout)
	go e.run()

	log.Info().
		Str("mime_type", opts.MimeType).
		Str("bounds", bounds.String()).
		Int("bitrate", opts.Bitrate).
		Str("audio_track", trackID).
		Int("pid", cmd.Process.Pid).
		Msg("GStreamer encoder started")
	log.Debug().Str("pipeline", pipeline.String()).Msg("GStreamer pipeline")
	return e, nil
}

type gstEncoder struct {
	opts Options
	emitter
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	audio   *os.File
	trackID string
	diag    *gstDiagnostics

	in     chan sinkItem
	data   chan []byte
	exited chan error
	wg     sync.WaitGroup

	mu       sync.Mutex
	flushing bool
	closed   bool
	dropped  uint64
}

func (e *gstEncoder) MimeType() string {
	return e.opts.MimeType
}

func (e *gstEncoder) Events() <-chan Event {
	return e.events
}

// enqueue performs a non-blocking insert; the lock keeps it ordered with Flush closing in
func (e *gstEncoder) enqueue(it sinkItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushing {
		return fmt.Errorf("%w: encoder no longer accepts input", media.ErrInvalidState)
	}
	select {
	case e.in <- it:
	default:
		e.dropped++
		if it.video != nil {
			it.video.Done()
		}
	}
	return nil
}

func (e *gstEncoder) WriteVideo(frame stream.VideoFrame) error {
	if err := e.enqueue(sinkItem{video: &frame}); err != nil {
		frame.Done()
		return err
	}
	return nil
}

func (e *gstEncoder) WriteAudio(chunk stream.AudioChunk) error {
	if e.audio == nil || chunk.TrackID != e.trackID {
		return nil
	}
	return e.enqueue(sinkItem{audio: &chunk})
}

func (e *gstEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushing {
		return fmt.Errorf("%w: encoder already flushing", media.ErrInvalidState)
	}
	e.flushing = true
	close(e.in)
	return nil
}

func (e *gstEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if !e.flushing {
		close(e.in)
	}
	close(e.done)
	dropped := e.dropped
	e.mu.Unlock()

	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	e.wg.Wait()

	logger.WithComponent("gstreamer").Debug().
		Uint64("dropped", dropped).
		Msg("GStreamer encoder closed")
	return nil
}

// writeInput feeds the subprocess; closing its inputs afterwards makes gst-launch send EOS
func (e *gstEncoder) writeInput() {
	defer e.wg.Done()
	log := logger.WithComponent("gstreamer")

	var failed bool
	var pcm []byte
	for it := range e.in {
		if failed {
			if it.video != nil {
				it.video.Done()
			}
			continue
		}
		var err error
		switch {
		case it.video != nil:
			err = writeFrame(e.stdin, *it.video)
			it.video.Done()
		case it.audio != nil:
			pcm = pcm[:0]
			for _, s := range it.audio.Samples {
				pcm = binary.LittleEndian.AppendUint16(pcm, uint16(s))
			}
			_, err = e.audio.Write(pcm)
		}
		if err != nil {
			// the reader side reports the exit
			log.Debug().Err(err).Msg("GStreamer input closed")
			failed = true
		}
	}

	e.stdin.Close()
	if e.audio != nil {
		e.audio.Close()
	}
}

func writeFrame(w io.Writer, frame stream.VideoFrame) error {
	img := frame.Image
	rowBytes := img.Rect.Dx() * 4
	if img.Stride == rowBytes {
		_, err := w.Write(img.Pix[:rowBytes*img.Rect.Dy()])
		return err
	}
	for y := 0; y < img.Rect.Dy(); y++ {
		off := y * img.Stride
		if _, err := w.Write(img.Pix[off : off+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

func (e *gstEncoder) readOutput(stdout io.Reader) {
	defer e.wg.Done()
	defer close(e.data)

	for {
		buf := make([]byte, gstReadSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			select {
			case e.data <- buf[:n]:
			case <-e.done:
			}
		}
		if err != nil {
			// all reads are done, Wait may close the pipe now
			e.exited <- e.cmd.Wait()
			return
		}
	}
}

func (e *gstEncoder) run() {
	defer e.wg.Done()

	var chunks chunker
	chunks.lastCut = time.Now()
	start := time.Now()
	ticker := time.NewTicker(e.opts.Timeslice / 4)
	defer ticker.Stop()

	deliver := func(now time.Time) bool {
		chunk, ok := chunks.cut(now)
		if !ok {
			return true
		}
		return e.emit(Event{Type: EventData, Chunk: chunk})
	}

	for {
		select {
		case <-e.done:
			return

		case p, ok := <-e.data:
			if !ok {
				e.finish(deliver)
				return
			}
			chunks.write(p, time.Since(start))
			if chunks.buf.Len() >= maxChunkBytes && !deliver(time.Now()) {
				return
			}

		case now := <-ticker.C:
			if chunks.due(now, e.opts.Timeslice) && !deliver(now) {
				return
			}
		}
	}
}

// finish runs once stdout hits EOF and reports how the subprocess ended
func (e *gstEncoder) finish(deliver func(time.Time) bool) {
	var err error
	select {
	case err = <-e.exited:
	case <-e.done:
		return
	}

	e.mu.Lock()
	flushing := e.flushing
	e.mu.Unlock()

	if err == nil && flushing {
		if deliver(time.Now()) {
			e.emit(Event{Type: EventStopped})
		}
		return
	}
	if err == nil {
		err = errors.New("pipeline ended before flush")
	}
	if msg := e.diag.last(); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	e.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", media.ErrEncodingFailed, err)})
}

// gstDiagnostics forwards subprocess stderr to the logger and keeps the last error line
type gstDiagnostics struct {
	mu      sync.Mutex
	partial bytes.Buffer
	lastErr string
}

func (d *gstDiagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.partial.Write(p)
	for {
		data := d.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		d.log(strings.TrimRight(string(data[:i]), "\r"))
		d.partial.Next(i + 1)
	}
	return len(p), nil
}

func (d *gstDiagnostics) log(line string) {
	log := logger.WithComponent("gstreamer")
	if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
		if strings.Contains(line, "ERROR") {
			d.lastErr = strings.TrimSpace(line)
		}
		log.Warn().Str("gst", line).Msg("GStreamer message")
		return
	}
	log.Debug().Str("gst", line).Msg("GStreamer output")
}

func (d *gstDiagnostics) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}
