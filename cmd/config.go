package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"crossdeck/config"
	"crossdeck/eq"
	"crossdeck/logger"

	"github.com/spf13/cobra"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for managing and validating crossdeck configuration.",
}

// configValidateCmd validates the current configuration
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the current configuration file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging for validation
		if err := logger.Setup("info", "text", nil); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Validate configuration
		if err := cfg.Validate(); err != nil {
			slog.Error("Configuration validation failed", slog.Any("error", err))
			return err
		}

		slog.Info("Configuration is valid")
		fmt.Println("✅ Configuration is valid")
		return nil
	},
}

// configShowCmd shows the current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current configuration values from file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging
		if err := logger.Setup("info", "text", nil); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		fmt.Println("Current Configuration:")
		fmt.Printf("  Audio:\n")
		fmt.Printf("    Sample rate: %d Hz\n", cfg.Audio.SampleRate)
		fmt.Printf("    Buffer: %s\n", cfg.Audio.Buffer)
		fmt.Printf("    FFmpeg: %s\n", cfg.Audio.FFmpeg)
		fmt.Printf("    Stall timeout: %s\n", cfg.Audio.StallTimeout)
		fmt.Printf("  Playback:\n")
		fmt.Printf("    Gapless: %t\n", cfg.Playback.Gapless)
		fmt.Printf("    Crossfade: %t (%s, %s when disabled mid-fade)\n",
			cfg.Playback.Crossfade, cfg.Playback.CrossfadeDuration, cfg.Playback.FadeDisablePolicy)
		fmt.Printf("    Pre-roll: %s\n", cfg.Playback.PreRoll)
		fmt.Printf("    Volume: %.0f%%\n", cfg.Playback.Volume*100)
		fmt.Printf("  Equalizer:\n")
		fmt.Printf("    Preamp: %+.1f dB\n", cfg.Equalizer.Preamp)
		fmt.Printf("    Bands: %s\n", formatBands(cfg.Equalizer.Bands))
		fmt.Printf("  Streaming:\n")
		fmt.Printf("    Timeouts: connect %s, read %s\n", cfg.Streaming.ConnectTimeout, cfg.Streaming.ReadTimeout)
		fmt.Printf("    Retries: %d every %s\n", cfg.Streaming.MaxRetries, cfg.Streaming.RetryDelay)
		fmt.Printf("    Buffer: prefill %s, max %s\n", cfg.Streaming.Prefill, cfg.Streaming.Buffer)
		fmt.Printf("    User agent: %s\n", cfg.Streaming.UserAgent)
		fmt.Printf("  Analysis:\n")
		fmt.Printf("    Mode: %s\n", cfg.Analysis.Mode)
		fmt.Printf("    Rate: %d frames/s\n", cfg.Analysis.Rate)
		fmt.Printf("  Notify:\n")
		fmt.Printf("    Webhook URL: %s\n", maskURL(cfg.Notify.WebhookURL))
		fmt.Printf("  Logging:\n")
		fmt.Printf("    Level: %s\n", cfg.Logging.Level)
		fmt.Printf("    Format: %s\n", cfg.Logging.Format)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// formatBands pairs every gain with its band frequency.
func formatBands(gains []float64) string {
	parts := make([]string, 0, len(gains))
	for i, g := range gains {
		if i < eq.Bands {
			parts = append(parts, fmt.Sprintf("%gHz:%+.1f", eq.Frequencies[i], g))
		}
	}
	return strings.Join(parts, " ")
}

// maskURL masks a webhook URL for display
func maskURL(url string) string {
	if url == "" {
		return "(disabled)"
	}
	if len(url) <= 20 {
		return "***"
	}
	return url[:20] + "***"
}
