package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"crossdeck/engine"
	"crossdeck/machine"
	"crossdeck/output"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/cobra"
)

// renderCmd mixes tracks into a WAV file
var renderCmd = &cobra.Command{
	Use:   "render --out mix.wav [flags] track...",
	Short: "Render a mix to a WAV file",
	Long: `Render the tracks into one 16-bit WAV file, with the same transitions,
equalizer and volume the play command would apply. Rendering runs as fast
as decoding allows.`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindPlaybackFlags,
	RunE:    runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	addPlaybackFlags(renderCmd)
	renderCmd.Flags().StringP("out", "o", "", "output WAV file")
	renderCmd.MarkFlagRequired("out")
}

func runRender(cmd *cobra.Command, args []string) (err error) {
	cfg, err := setup(nil)
	if err != nil {
		return err
	}
	refs, err := parseTracks(args)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")

	dev := output.NewManual("render")
	tick := engine.DefaultOptions().TickInterval
	m := machine.New(cfg, dev, func(o *engine.Options) {
		o.Now = machine.FrameClock(dev)
		tick = o.TickInterval
	})
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize machine: %w", err)
	}
	defer m.Stop()
	m.Engine().Enqueue(refs...)

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	sr := beep.SampleRate(cfg.Audio.SampleRate)
	off := machine.NewOffline(m.Engine(), dev, sr.N(tick))
	format := beep.Format{SampleRate: sr, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, off, format); err != nil {
		return fmt.Errorf("failed to encode %s: %w", out, err)
	}
	if err := off.Err(); err != nil {
		return fmt.Errorf("render stopped early: %w", err)
	}

	slog.Info("Mix rendered",
		slog.String("file", out),
		slog.Int("tracks", len(refs)),
		slog.Duration("length", sr.D(dev.Rendered())))
	return nil
}
