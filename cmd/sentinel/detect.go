package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/detect"
	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/internal/observe"
)

func newDetectCmd(opts *options) *cobra.Command {
	var (
		stream    string
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "detect [file]",
		Short: "Feed detection frames and print the per-frame results",
		Long: `Reads a sequence of JSON frames, as accepted by
POST /v1/streams/{stream}/frames, from file or stdin and prints one JSON
result per frame. Confirmed presence starts a safety check whose first
question is included in the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Detection.ConfidenceThreshold = threshold
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			rt, err := newRuntime(cmd.Context(), cfg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			defer rt.Close()
			return detectFrames(cmd.Context(), rt.monitor, stream, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&stream, "stream", "s", "default", "camera stream id the frames belong to")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "override detection.confidence_threshold")
	return cmd
}

// detectFrames processes every frame decoded from in. A frame that cannot
// be parsed as JSON ends the run; a frame whose detector output is
// malformed is reported in its result and processing continues.
func detectFrames(ctx context.Context, mon *monitor.Monitor, stream string, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for n := 1; ; n++ {
		var f detect.Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("frame %d: %w", n, err)
		}
		res, err := mon.ProcessWireFrame(ctx, stream, f)
		if err != nil {
			if res.Timestamp.IsZero() {
				return fmt.Errorf("frame %d: %w", n, err)
			}
			slog.Warn("safety check did not start", "frame", n, "err", err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
}
