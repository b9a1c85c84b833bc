package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/live"
	"github.com/miyako-dev/tsubridge/internal/metrics"
	"github.com/miyako-dev/tsubridge/internal/observability"
	"github.com/miyako-dev/tsubridge/internal/tuner"
)

var tuneCmd = &cobra.Command{
	Use:   "tune <channel>",
	Short: "Tune a channel and stream encoded TS to a file or stdout",
	Long: `Tune connects to the configured backend, starts (or joins) the live
stream for the channel, and copies encoded MPEG-TS to the output until
interrupted.

The channel may be a display id ("gr011"), a service name, or a
"network_id-service_id" pair. Ctrl-C detaches the client; the stream
itself lingers in Idling for stream.max_alive_time so an immediate
re-tune reuses the warm pipeline.`,
	Args: cobra.ExactArgs(1),
	RunE: runTune,
}

func init() {
	rootCmd.AddCommand(tuneCmd)
	tuneCmd.Flags().StringP("quality", "q", "1080p", "quality preset (list with 'tsubridge streams')")
	tuneCmd.Flags().StringP("output", "o", "-", `output file ("-" for stdout)`)
}

func runTune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.Default()

	quality, _ := cmd.Flags().GetString("quality")
	output, _ := cmd.Flags().GetString("output")

	out := os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		defer f.Close()
		out = f
	}

	backend, err := tuner.New(cfg.Backend, logger)
	if err != nil {
		return err
	}
	registry := live.NewRegistry(cfg, backend, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Stream.CancelWaitTimeout+5*time.Second)
		defer cancel()
		if err := registry.Shutdown(ctx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, observability.WithComponent(logger, "metrics"))
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	client, err := registry.Connect(ctx, args[0], quality, "")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", args[0], err)
	}

	logger.Info("tuned",
		slog.String("channel", args[0]),
		slog.String("quality", quality),
		slog.String("client", client.ID.String()),
	)

	var written int64
	for {
		chunk, err := client.Read(ctx)
		if errors.Is(err, io.EOF) {
			// The stream went away underneath us; say why.
			st := client.Stream().Status()
			return fmt.Errorf("stream went offline: %s", st.Detail)
		}
		if errors.Is(err, live.ErrClientStalled) {
			// The output sink fell behind until the stream threw us out.
			return fmt.Errorf("evicted from the stream: %w", err)
		}
		if err != nil {
			// Interrupted. Detach and let the stream idle out.
			logger.Info("detaching", slog.Int64("bytes_written", written))
			registry.Disconnect(client)
			return nil
		}

		n, werr := out.Write(chunk)
		written += int64(n)
		if werr != nil {
			registry.Disconnect(client)
			return fmt.Errorf("writing output: %w", werr)
		}
	}
}
