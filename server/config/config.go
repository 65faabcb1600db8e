// Package config loads engine configuration. A YAML file carries the
// tuning knobs; environment variables carry deployment wiring and win
// over the file. Everything has a sane default, so an empty environment
// boots an ephemeral in-memory engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/82deutschmark/arc-explainer-sub014/server/logging"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Runner     RunnerConfig     `yaml:"runner"`
	Rating     RatingConfig     `yaml:"rating"`
	Matchmaker MatchmakerConfig `yaml:"matchmaker"`
	Logging    logging.Config   `yaml:"logging"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr" validate:"required"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds" validate:"min=1,max=600"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds" validate:"min=1,max=600"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds" validate:"min=1,max=3600"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN. Empty plus Ephemeral=true runs on the
	// in-memory store.
	URL       string `yaml:"url"`
	Ephemeral bool   `yaml:"ephemeral"`
}

type RunnerConfig struct {
	BaseURL        string  `yaml:"base_url" validate:"omitempty,url"`
	APIKey         string  `yaml:"-"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=1,max=3600"`
	RPS            float64 `yaml:"rps" validate:"min=0"`
	Burst          int     `yaml:"burst" validate:"min=0,max=100"`
	// ArenaSlots bounds concurrent contests across all batches.
	ArenaSlots int `yaml:"arena_slots" validate:"min=1,max=64"`
}

type RatingConfig struct {
	ExpectedRounds int     `yaml:"expected_rounds" validate:"min=1,max=10000"`
	Beta           float64 `yaml:"beta" validate:"gt=0"`
	ReductionRate  float64 `yaml:"reduction_rate" validate:"gt=0,lte=2"`
}

type MatchmakerConfig struct {
	UnseenWeight      float64 `yaml:"unseen_weight" validate:"min=0"`
	LowGamesWeight    float64 `yaml:"low_games_weight" validate:"min=0"`
	SkillGapWeight    float64 `yaml:"skill_gap_weight" validate:"min=0"`
	UncertaintyWeight float64 `yaml:"uncertainty_weight" validate:"min=0"`
	AllowRepeats      bool    `yaml:"allow_repeats"`
}

// Default returns the configuration an empty file and environment
// produce.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                ":8080",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
		},
		Database: DatabaseConfig{Ephemeral: true},
		Runner: RunnerConfig{
			BaseURL:        "http://localhost:9090",
			TimeoutSeconds: 120,
			RPS:            1,
			Burst:          2,
			ArenaSlots:     1,
		},
		Rating: RatingConfig{
			ExpectedRounds: 100,
			Beta:           8.333 / 2,
			ReductionRate:  1.0,
		},
		Matchmaker: MatchmakerConfig{
			UnseenWeight:      1000,
			LowGamesWeight:    50,
			SkillGapWeight:    1,
			UncertaintyWeight: 2,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads path (when non-empty), layers the environment on top, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenv("ADDR", ""); v != "" {
		cfg.Server.Addr = v
	} else if port := getenv("PORT", ""); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if v := getenv("DATABASE_URL", ""); v != "" {
		cfg.Database.URL = v
		cfg.Database.Ephemeral = false
	}
	cfg.Database.Ephemeral = asBool(getenv("EPHEMERAL", ""), cfg.Database.Ephemeral)
	if v := getenv("RUNNER_URL", ""); v != "" {
		cfg.Runner.BaseURL = v
	}
	if v := getenv("RUNNER_API_KEY", ""); v != "" {
		cfg.Runner.APIKey = v
	}
	cfg.Runner.TimeoutSeconds = atoiDef(getenv("RUNNER_TIMEOUT_SECONDS", ""), cfg.Runner.TimeoutSeconds)
	cfg.Runner.ArenaSlots = atoiDef(getenv("ARENA_SLOTS", ""), cfg.Runner.ArenaSlots)
	if v := getenv("LOG_LEVEL", ""); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT", ""); v != "" {
		cfg.Logging.Format = v
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func asBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off":
		return false
	}
	return def
}
