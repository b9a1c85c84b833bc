package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/encoder"
	"github.com/miyako-dev/tsubridge/internal/tuner"
)

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "Validate the configuration and inspect the backend",
	Long: `Streams validates the configuration, resolves the encoder binary, and
queries the backend for its services and tuners. No tuner is opened;
this is a dry run for checking a deployment.`,
	RunE: runStreams,
}

func init() {
	rootCmd.AddCommand(streamsCmd)
}

func runStreams(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUALITY\tRESOLUTION\tVIDEO\tAUDIO\tFPS")
	for _, name := range encoder.QualityNames() {
		q, err := encoder.LookupQuality(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%dx%d\t%dk\t%dk\t%d\n",
			q.Name, q.Width, q.Height, q.VideoBitrate, q.AudioBitrate, q.FrameRate)
	}
	w.Flush()
	fmt.Println()

	q, err := encoder.LookupQuality("1080p")
	if err != nil {
		return err
	}
	if bin, _, err := encoder.BuildCommand(cfg.Encoder, q); err != nil {
		fmt.Printf("encoder: %s unavailable: %v\n", cfg.Encoder.Type, err)
	} else {
		fmt.Printf("encoder: %s (%s)\n", cfg.Encoder.Type, bin)
	}

	backend, err := tuner.New(cfg.Backend, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.OpenTimeout)
	defer cancel()

	services, err := backend.Services(ctx)
	if err != nil {
		fmt.Printf("backend: %s at %s unreachable: %v\n", cfg.Backend.Type, cfg.Backend.Endpoint, err)
		return nil
	}
	fmt.Printf("backend: %s at %s, %d services\n", cfg.Backend.Type, cfg.Backend.Endpoint, len(services))

	if tuners, err := backend.Tuners(ctx); err == nil {
		busy := 0
		for _, info := range tuners {
			if info.Busy {
				busy++
			}
		}
		fmt.Printf("tuners: %d (%d busy)\n", len(tuners), busy)
	}
	fmt.Println()

	sw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(sw, "CHANNEL\tTYPE\tSERVICE\tNAME")
	for _, ch := range services {
		fmt.Fprintf(sw, "%s\t%s\t%d\t%s\n", ch.DisplayID(), ch.Type, ch.ServiceID, ch.Name)
	}
	return sw.Flush()
}
