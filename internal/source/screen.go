package source

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

// Screen polls a region of the X11 root window at the configured FPS.
// Useful as a second feed on machines with a single camera.
type Screen struct {
	cfg    Config
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	region image.Rectangle

	mu     sync.RWMutex
	latest *media.Frame
	seq    uint64
	err    error

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// OpenScreen connects to the X server and captures the first frame synchronously.
// A zero Width or Height captures the rest of the screen from (X, Y).
func OpenScreen(ctx context.Context, cfg Config) (*Screen, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to X server: %v", media.ErrSourceUnavailable, err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	full := image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels))

	region := image.Rect(cfg.X, cfg.Y, cfg.X+cfg.Width, cfg.Y+cfg.Height)
	if cfg.Width <= 0 || cfg.Height <= 0 {
		region = image.Rect(cfg.X, cfg.Y, full.Max.X, full.Max.Y)
	}
	region = region.Intersect(full)
	if region.Empty() {
		conn.Close()
		return nil, fmt.Errorf("%w: region %v outside screen %v", media.ErrSourceUnavailable, region, full)
	}

	s := &Screen{
		cfg:    cfg,
		conn:   conn,
		screen: screen,
		region: region,
		stop:   make(chan struct{}),
	}

	if err := s.capture(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", media.ErrSourceUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.poll()

	logger.WithComponent("source").Info().
		Str("source", cfg.ID).
		Str("region", region.String()).
		Int("fps", cfg.FPS).
		Msg("Screen capture started")
	return s, nil
}

func (s *Screen) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.capture(); err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				logger.WithComponent("source").Warn().Err(err).Str("source", s.cfg.ID).Msg("Screen capture stopped")
				return
			}
		}
	}
}

func (s *Screen) capture() error {
	w, h := s.region.Dx(), s.region.Dy()
	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.screen.Root),
		int16(s.region.Min.X), int16(s.region.Min.Y),
		uint16(w), uint16(h),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}

	img, err := s.convert(reply.Data, w, h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	s.latest = &media.Frame{Seq: s.seq, Timestamp: time.Now(), Image: img}
	s.mu.Unlock()
	return nil
}

// convert turns 32bpp BGRx scanlines into RGBA
func (s *Screen) convert(data []byte, width, height int) (*image.RGBA, error) {
	depth := s.screen.RootDepth
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported color depth: %d", depth)
	}
	if len(data) < width*height*4 {
		return nil, fmt.Errorf("short image data: got %d bytes, want %d", len(data), width*height*4)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height*4; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 255
	}
	return img, nil
}

func (s *Screen) ID() string {
	return s.cfg.ID
}

func (s *Screen) Dimensions() (int, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region.Dx(), s.region.Dy(), s.latest != nil
}

func (s *Screen) Frame() (*media.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.latest, nil
}

// Audio returns nil; screen capture has no microphone
func (s *Screen) Audio() media.AudioTrack {
	return nil
}

func (s *Screen) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.conn.Close()
		logger.WithComponent("source").Info().Str("source", s.cfg.ID).Msg("Screen capture closed")
	})
	return nil
}
