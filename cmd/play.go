package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"crossdeck/machine"
	"crossdeck/track"
	"crossdeck/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// playCmd plays tracks on the default output device
var playCmd = &cobra.Command{
	Use:   "play [flags] track...",
	Short: "Play files and stream URLs",
	Long: `Play local files and http(s) streams in order on the default output device.

Tracks of the same kind hand over without a gap, or with a crossfade when
--crossfade is set. With --visualize a terminal view shows the spectrum,
tempo and key of the playing track.`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindPlaybackFlags,
	RunE:    runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
	addPlaybackFlags(playCmd)
	playCmd.Flags().Bool("visualize", false, "show the terminal visualizer")
	playCmd.Flags().String("log-file", "", "log file while visualizing (default is crossdeck.log in the temp dir)")
}

// addPlaybackFlags adds the transition and analysis flags shared by play
// and render.
func addPlaybackFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("gapless", true, "hand over between tracks without a gap")
	cmd.Flags().Bool("crossfade", false, "crossfade between tracks")
	cmd.Flags().Duration("crossfade-duration", 0, "crossfade duration (1s, 2s, 3s, 5s, 7s or 10s)")
	cmd.Flags().Float64("volume", 1, "output volume between 0 and 1")
	cmd.Flags().String("mode", "", "spectrum mode (accurate, adaptive, dynamic)")
}

// bindPlaybackFlags binds the flags of the running command only, since
// play and render share the keys.
func bindPlaybackFlags(cmd *cobra.Command, _ []string) error {
	keys := map[string]string{
		"gapless":            "playback.gapless",
		"crossfade":          "playback.crossfade",
		"crossfade-duration": "playback.crossfade_duration",
		"volume":             "playback.volume",
		"mode":               "analysis.mode",
	}
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func parseTracks(args []string) ([]track.Reference, error) {
	refs := make([]track.Reference, 0, len(args))
	for _, arg := range args {
		ref, err := track.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", arg, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// runPlay plays the arguments until they run out or a signal arrives
func runPlay(cmd *cobra.Command, args []string) error {
	visualize, _ := cmd.Flags().GetBool("visualize")

	var logOut io.Writer
	if visualize {
		path, _ := cmd.Flags().GetString("log-file")
		if path == "" {
			path = filepath.Join(os.TempDir(), "crossdeck.log")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	cfg, err := setup(logOut)
	if err != nil {
		return err
	}

	refs, err := parseTracks(args)
	if err != nil {
		return err
	}

	// Create and initialize the machine
	m := machine.New(cfg, nil)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize machine: %w", err)
	}

	// Start the machine
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}
	defer func() {
		if err := m.Stop(); err != nil {
			slog.Error("Failed to stop machine gracefully", slog.Any("error", err))
		}
	}()

	if err := m.Play(refs...); err != nil {
		return err
	}

	if visualize {
		prog := tea.NewProgram(ui.NewModel(m.Engine()), tea.WithAltScreen())
		unsubscribe := m.Engine().Subscribe(ui.NewBridge(prog))
		defer unsubscribe()
		go func() {
			select {
			case <-m.Done():
			case <-m.Error():
			}
			prog.Send(ui.DoneMsg{})
		}()
		if _, err := prog.Run(); err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		return nil
	}

	// Setup graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal, the end of the queue or an error
	select {
	case sig := <-signalChan:
		fmt.Printf("\nReceived %s, shutting down gracefully...\n", sig)
	case <-m.Done():
	case err := <-m.Error():
		return fmt.Errorf("playback failed: %w", err)
	}
	return nil
}
