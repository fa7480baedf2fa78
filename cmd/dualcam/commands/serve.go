package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DualCam/internal/api"
	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/recorder"
	"github.com/bryanchriswhite/DualCam/internal/source"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recording control server",
	Long: `Open both sources and serve the recording control API.

Recordings are started and stopped over HTTP; finished files are written to
the output directory. Recorder events stream over a WebSocket.`,
	Example: `  # Start server on default port (8080)
  dualcam serve

  # Start server on custom port with test patterns
  dualcam serve --port 9090 --pattern

  # Start with debug logging
  dualcam serve --log-level debug --pretty`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addSourceFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
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

	log.Info().
		Str("source_a", cfg.Sources.A.ID).
		Str("source_b", cfg.Sources.B.ID).
		Msg("Opening sources")
	a, b, err := source.OpenPair(ctx, cfg.Sources.A, cfg.Sources.B)
	if err != nil {
		return err
	}
	defer closeSource(a)
	defer closeSource(b)

	// sources outlive recorders; discard builds a new recorder over the same pair
	factory := func() (api.Recorder, error) {
		rec, err := recorder.New(a, b, opts)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	server, err := api.NewServer(factory, cfg.OutputDir, configMgr)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("✅ DualCam is running!")
	fmt.Printf("   - API: http://localhost:%d/api\n", cfg.ServerPort)
	fmt.Printf("   - Events: ws://localhost:%d/api/recording/events\n", cfg.ServerPort)
	fmt.Println("   - Press Ctrl+C to stop")
	fmt.Println()

	if err := server.Start(ctx, cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shut down gracefully")
	return nil
}
