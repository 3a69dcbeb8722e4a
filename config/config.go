package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/spf13/viper"

	"crossdeck/analysis"
	"crossdeck/engine"
	"crossdeck/eq"
	"crossdeck/transition"
)

// Config holds all configuration for the application
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio"`
	Playback  PlaybackConfig  `mapstructure:"playback"`
	Equalizer EqualizerConfig `mapstructure:"equalizer"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AudioConfig holds render graph configuration
type AudioConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	Buffer     time.Duration `mapstructure:"buffer"`
	FFmpeg     string        `mapstructure:"ffmpeg"`

	// StallTimeout is how long the position may stand still while playing
	// before the device counts as lost. Zero disables the check.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// PlaybackConfig holds transition and volume settings
type PlaybackConfig struct {
	Gapless           bool          `mapstructure:"gapless"`
	Crossfade         bool          `mapstructure:"crossfade"`
	CrossfadeDuration time.Duration `mapstructure:"crossfade_duration"`
	PreRoll           time.Duration `mapstructure:"preroll"`
	FadeDisablePolicy string        `mapstructure:"fade_disable_policy"` // complete or cut
	Volume            float64       `mapstructure:"volume"`
}

// EqualizerConfig holds the persisted equalizer preset
type EqualizerConfig struct {
	Preamp float64   `mapstructure:"preamp"`
	Bands  []float64 `mapstructure:"bands"`
}

// StreamingConfig holds network settings of the streaming pipeline
type StreamingConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Prefill        time.Duration `mapstructure:"prefill"`
	Buffer         time.Duration `mapstructure:"buffer"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AnalysisConfig holds spectrum and tempo settings
type AnalysisConfig struct {
	Mode string `mapstructure:"mode"`
	// Rate is the number of spectrum frames per second.
	Rate int `mapstructure:"rate"`
}

// NotifyConfig holds the now-playing webhook settings
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	// Set defaults
	viper.SetDefault("audio.sample_rate", 44100)
	viper.SetDefault("audio.buffer", "50ms")
	viper.SetDefault("audio.ffmpeg", "ffmpeg")
	viper.SetDefault("audio.stall_timeout", "3s")
	viper.SetDefault("playback.gapless", true)
	viper.SetDefault("playback.crossfade", false)
	viper.SetDefault("playback.crossfade_duration", "5s")
	viper.SetDefault("playback.preroll", "3s")
	viper.SetDefault("playback.fade_disable_policy", "complete")
	viper.SetDefault("playback.volume", 1.0)
	viper.SetDefault("equalizer.preamp", 0.0)
	viper.SetDefault("equalizer.bands", make([]float64, eq.Bands))
	viper.SetDefault("streaming.connect_timeout", "10s")
	viper.SetDefault("streaming.read_timeout", "15s")
	viper.SetDefault("streaming.max_retries", 3)
	viper.SetDefault("streaming.retry_delay", "2s")
	viper.SetDefault("streaming.prefill", "500ms")
	viper.SetDefault("streaming.buffer", "5s")
	viper.SetDefault("streaming.user_agent", "crossdeck/1.0")
	viper.SetDefault("analysis.mode", "accurate")
	viper.SetDefault("analysis.rate", 60)
	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.timeout", "10s")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Read config file, unless one was given explicitly
	viper.SetConfigType("yaml")
	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName("crossdeck")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.crossdeck")
		viper.AddConfigPath("/etc/crossdeck")
	}

	// Allow environment variables
	viper.SetEnvPrefix("CROSSDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Debug("No config file found, using defaults and environment variables")
	} else {
		slog.Info("Using config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return &ConfigError{Field: "audio.sample_rate", Message: "sample rate must be positive"}
	}
	if c.Audio.Buffer <= 0 {
		return &ConfigError{Field: "audio.buffer", Message: "buffer must be positive"}
	}
	if c.Audio.StallTimeout < 0 {
		return &ConfigError{Field: "audio.stall_timeout", Message: "stall timeout cannot be negative"}
	}
	if !transition.ValidFadeDuration(c.Playback.CrossfadeDuration) {
		return &ConfigError{
			Field:   "playback.crossfade_duration",
			Message: fmt.Sprintf("must be one of %v", transition.FadeDurations),
		}
	}
	if c.Playback.PreRoll <= 0 {
		return &ConfigError{Field: "playback.preroll", Message: "pre-roll must be positive"}
	}
	if _, err := parsePolicy(c.Playback.FadeDisablePolicy); err != nil {
		return &ConfigError{Field: "playback.fade_disable_policy", Message: err.Error()}
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return &ConfigError{Field: "playback.volume", Message: "volume must be within [0, 1]"}
	}
	if err := checkGain(c.Equalizer.Preamp); err != nil {
		return &ConfigError{Field: "equalizer.preamp", Message: err.Error()}
	}
	if len(c.Equalizer.Bands) != eq.Bands {
		return &ConfigError{
			Field:   "equalizer.bands",
			Message: fmt.Sprintf("exactly %d band gains are required, got %d", eq.Bands, len(c.Equalizer.Bands)),
		}
	}
	for i, g := range c.Equalizer.Bands {
		if err := checkGain(g); err != nil {
			return &ConfigError{Field: fmt.Sprintf("equalizer.bands[%d]", i), Message: err.Error()}
		}
	}
	if c.Streaming.MaxRetries < 0 {
		return &ConfigError{Field: "streaming.max_retries", Message: "retries cannot be negative"}
	}
	if c.Streaming.ConnectTimeout <= 0 || c.Streaming.ReadTimeout <= 0 {
		return &ConfigError{Field: "streaming", Message: "timeouts must be positive"}
	}
	if _, err := analysis.ParseMode(c.Analysis.Mode); err != nil {
		return &ConfigError{Field: "analysis.mode", Message: err.Error()}
	}
	if c.Analysis.Rate <= 0 || c.Analysis.Rate > 240 {
		return &ConfigError{Field: "analysis.rate", Message: "rate must be within (0, 240] frames per second"}
	}
	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ConfigError{Field: "notify.webhook_url", Message: "must be an http or https URL"}
		}
		if c.Notify.Timeout <= 0 {
			return &ConfigError{Field: "notify.timeout", Message: "timeout must be positive"}
		}
	}
	return nil
}

// Engine derives the engine options. The configuration must be valid.
func (c *Config) Engine() (engine.Options, error) {
	if err := c.Validate(); err != nil {
		return engine.Options{}, err
	}
	policy, _ := parsePolicy(c.Playback.FadeDisablePolicy)
	mode, _ := analysis.ParseMode(c.Analysis.Mode)

	opts := engine.DefaultOptions()

	sr := beep.SampleRate(c.Audio.SampleRate)
	opts.Pipeline.SampleRate = sr
	opts.Pipeline.BufferSize = sr.N(c.Audio.Buffer)
	opts.Pipeline.Decode.SampleRate = sr
	opts.Pipeline.Decode.FFmpeg = c.Audio.FFmpeg

	opts.Stream.ConnectTimeout = c.Streaming.ConnectTimeout
	opts.Stream.ReadTimeout = c.Streaming.ReadTimeout
	opts.Stream.MaxRetries = c.Streaming.MaxRetries
	opts.Stream.RetryDelay = c.Streaming.RetryDelay
	opts.Stream.Prefill = c.Streaming.Prefill
	opts.Stream.Buffer = c.Streaming.Buffer
	opts.Stream.UserAgent = c.Streaming.UserAgent

	opts.Transition = transition.Settings{
		Gapless:       c.Playback.Gapless,
		Crossfade:     c.Playback.Crossfade,
		FadeDuration:  c.Playback.CrossfadeDuration,
		PreRoll:       c.Playback.PreRoll,
		DisablePolicy: policy,
	}
	opts.Volume = c.Playback.Volume

	opts.Equalizer.Preamp = c.Equalizer.Preamp
	copy(opts.Equalizer.Gains[:], c.Equalizer.Bands)

	opts.SpectrumMode = mode
	opts.AnalysisInterval = time.Second / time.Duration(c.Analysis.Rate)
	return opts, nil
}

func parsePolicy(s string) (transition.DisablePolicy, error) {
	switch strings.ToLower(s) {
	case "complete", "":
		return transition.Complete, nil
	case "cut":
		return transition.Cut, nil
	}
	return 0, fmt.Errorf("unknown policy %q (complete or cut)", s)
}

func checkGain(db float64) error {
	if db < eq.MinGain || db > eq.MaxGain {
		return fmt.Errorf("gain %.1f dB outside [%g, %g]", db, eq.MinGain, eq.MaxGain)
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
