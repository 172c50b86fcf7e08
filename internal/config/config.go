package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                   int     `yaml:"port"`
	LogLevel               string  `yaml:"log_level"`
	LogFile                string  `yaml:"log_file"`
	DefaultThresholdShares int     `yaml:"default_threshold_shares"`
	Side                   string  `yaml:"side"`
	CooldownSeconds        int     `yaml:"cooldown_seconds"`
	LevelsToScan           int     `yaml:"levels_to_scan"`
	DollarThreshold        float64 `yaml:"dollar_threshold"`
	BigDollarThreshold     float64 `yaml:"big_dollar_threshold"`
	ObiAlpha               float64 `yaml:"obi_alpha"`
	ObiLevels              int     `yaml:"obi_levels"`
	MicroVWAPMinutes       float64 `yaml:"micro_vwap_minutes"`
	MicroBandK             float64 `yaml:"micro_band_k"`
	RvolHot                float64 `yaml:"rvol_hot"`
	RvolDanger             float64 `yaml:"rvol_danger"`
	RvolLookbackDays       int     `yaml:"rvol_lookback_days"`
	SoundFile              string  `yaml:"sound_file"`
	RecordingDir           string  `yaml:"recording_dir"`
	ReplayRate             float64 `yaml:"replay_rate"`
	ReplayLoop             bool    `yaml:"replay_loop"`
}

func defaults() Config {
	return Config{
		Port:                   8086,
		LogLevel:               "info",
		DefaultThresholdShares: 20000,
		Side:                   "ASK",
		CooldownSeconds:        5,
		LevelsToScan:           10,
		ObiAlpha:               0, // auto
		ObiLevels:              0, // auto
		MicroVWAPMinutes:       5.0,
		MicroBandK:             2.0,
		RvolHot:                2.0,
		RvolDanger:             3.0,
		RvolLookbackDays:       10,
		SoundFile:              "./web/sounds/hey.mp3",
		RecordingDir:           "./recordings",
		ReplayRate:             1.0,
	}
}

func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	// Validation & normalization
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("invalid port")
	}
	if cfg.DefaultThresholdShares < 1 {
		return cfg, errors.New("default_threshold_shares must be >=1")
	}
	cfg.Side = strings.ToUpper(strings.TrimSpace(cfg.Side))
	if cfg.Side != "ASK" && cfg.Side != "BID" {
		return cfg, errors.New(`side must be "ASK" or "BID"`)
	}
	if cfg.CooldownSeconds < 1 {
		return cfg, errors.New("cooldown_seconds must be >=1")
	}
	if cfg.LevelsToScan != 10 {
		return cfg, errors.New("levels_to_scan must be 10")
	}
	if cfg.DollarThreshold < 0 || cfg.BigDollarThreshold < 0 {
		return cfg, errors.New("dollar thresholds must be >=0")
	}
	if cfg.ObiAlpha != 0 && !(cfg.ObiAlpha > 0 && cfg.ObiAlpha <= 1) {
		return cfg, errors.New("obi_alpha must be 0 (auto) or in (0, 1]")
	}
	if cfg.ObiLevels < 0 || cfg.ObiLevels > 10 {
		return cfg, errors.New("obi_levels must be 0..10")
	}
	if cfg.MicroVWAPMinutes <= 0 {
		return cfg, errors.New("micro_vwap_minutes must be >0")
	}
	if cfg.MicroBandK <= 0 {
		return cfg, errors.New("micro_band_k must be >0")
	}
	if cfg.RvolHot <= 0 {
		return cfg, errors.New("rvol_hot must be >0")
	}
	if cfg.RvolDanger < cfg.RvolHot {
		return cfg, errors.New("rvol_danger must be >= rvol_hot")
	}
	if cfg.RvolLookbackDays < 1 {
		return cfg, errors.New("rvol_lookback_days must be >=1")
	}
	if cfg.ReplayRate <= 0 {
		return cfg, errors.New("replay_rate must be >0")
	}
	return cfg, nil
}

// Cooldown is the alert cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// MicroWindow is the trailing VWAP window as a duration.
func (c Config) MicroWindow() time.Duration {
	return time.Duration(c.MicroVWAPMinutes * float64(time.Minute))
}

// NewLogger builds the slog text logger. When logFile is set the output also
// goes to a size-rotated file.
func NewLogger(level, logFile string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var w io.Writer = os.Stdout
	if logFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
