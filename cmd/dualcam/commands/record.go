package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DualCam/internal/config"
	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/output"
	"github.com/bryanchriswhite/DualCam/internal/recorder"
	"github.com/bryanchriswhite/DualCam/internal/source"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record both sources to a file",
	Long: `Open both configured sources, record the composite until the duration
elapses or Ctrl+C is pressed, then save it as DualCam_<timestamp>.<ext>.`,
	Example: `  # Record until Ctrl+C
  dualcam record

  # Record ten seconds of test patterns as Motion JPEG
  dualcam record --pattern --platform mjpeg --duration 10s

  # Save into a specific directory
  dualcam record --output ~/Videos`,
	RunE: runRecord,
}

var (
	recordDuration time.Duration
	usePattern     bool
	platformFlag   string
	outputFlag     string
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	addSourceFlags(recordCmd)
}

// addSourceFlags registers the flags shared by record and serve
func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&usePattern, "pattern", false, "use synthetic test patterns instead of the configured sources")
	cmd.Flags().StringVar(&platformFlag, "platform", "", "encoder platform (mjpeg or gstreamer)")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "directory for saved recordings")
}

// applySourceFlags folds the shared flags into cfg
func applySourceFlags(cfg *config.Config) error {
	if platformFlag != "" {
		cfg.Recording.Platform = platformFlag
	}
	if outputFlag != "" {
		cfg.OutputDir = outputFlag
	}
	if usePattern {
		cfg.Sources.A = source.Config{Kind: source.KindPattern, ID: "front", Width: 640, Height: 480, FPS: cfg.Recording.FPS, ToneHz: 440}
		cfg.Sources.B = source.Config{Kind: source.KindPattern, ID: "back", Width: 640, Height: 480, FPS: cfg.Recording.FPS}
	}
	return cfg.Validate()
}

func runRecord(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applySourceFlags(cfg); err != nil {
		return err
	}
	log := logger.WithComponent("cli")

	opts, err := cfg.RecorderOptions(encoder.DefaultRegistry())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, b, err := source.OpenPair(ctx, cfg.Sources.A, cfg.Sources.B)
	if err != nil {
		return err
	}
	defer closeSource(a)
	defer closeSource(b)

	rec, err := recorder.New(a, b, opts)
	if err != nil {
		return err
	}
	defer rec.Cleanup()

	events := rec.Subscribe()
	defer rec.Unsubscribe(events)

	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	st := rec.Status()
	fmt.Printf("● Recording %s as %s (Ctrl+C to stop)\n", st.SessionID, st.MimeType)

	var deadline <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		deadline = timer.C
	}

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case ev := <-events:
			switch ev.Type {
			case recorder.EventStalled:
				log.Warn().Str("source", ev.Source).Str("error", ev.Error).Msg("Source stalled, holding last frame")
			case recorder.EventRecovered:
				log.Info().Str("source", ev.Source).Msg("Source recovered")
			case recorder.EventError:
				log.Error().Str("error", ev.Error).Msg("Recording failed")
				break wait
			}
		}
	}

	// the signal context may be done already; finalizing must not be cut short by it
	stopCtx, cancel := context.WithTimeout(context.Background(), opts.FinalizeTimeout+time.Second)
	defer cancel()
	blob, err := rec.Stop(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to finalize recording: %w", err)
	}

	path, err := output.Save(cfg.OutputDir, blob, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("✅ Saved %s (%d bytes)\n", path, blob.Size())
	return nil
}

func closeSource(s source.Source) {
	if err := s.Close(); err != nil {
		logger.WithComponent("source").Warn().Err(err).Str("source", s.ID()).Msg("Failed to close source")
	}
}
