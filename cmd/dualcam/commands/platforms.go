package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DualCam/internal/encoder"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List encoder platforms and the formats they can record",
	Long: `List every encoder platform with the mime types it offers and whether
each one is usable on this machine (for gstreamer, whether the needed
elements are installed).`,
	RunE: runPlatforms,
}

func init() {
	rootCmd.AddCommand(platformsCmd)
}

func runPlatforms(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tMIME TYPE\tSUPPORTED")
	for _, p := range encoder.DefaultRegistry().Platforms() {
		for _, mimeType := range p.Types() {
			mark := "no"
			if p.Supports(mimeType) {
				mark = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name(), mimeType, mark)
		}
	}
	return w.Flush()
}
