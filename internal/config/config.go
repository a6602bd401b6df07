package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/washline/washline-agent/internal/devices"
)

type UpdateConfig struct {
	GitHubRepo         string `json:"github_repo"`
	CheckIntervalHours int    `json:"check_interval_hours"`
}

type Config struct {
	ServerURL        string `json:"server_url"`
	WebSocketURL     string `json:"websocket_url"`
	AgentToken       string `json:"agent_token"`
	TenantID         string `json:"tenant_id,omitempty"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`

	AgentID     string `json:"agent_id"`
	DeviceName  string `json:"device_name"`
	LogLevel    string `json:"log_level"`
	MetricsAddr string `json:"metrics_addr,omitempty"`

	Scale   devices.ScaleConfig   `json:"scale"`
	Printer devices.PrinterConfig `json:"printer"`
	Receipt devices.ReceiptLayout `json:"receipt"`

	Update UpdateConfig `json:"update"`
}

func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		HeartbeatSeconds: 30,
		AgentID:          uuid.NewString(),
		DeviceName:       hostname,
		LogLevel:         "info",
		Scale: devices.ScaleConfig{
			ReadTimeoutMs: 3000,
		},
		Printer: devices.PrinterConfig{
			Transport:     "usb",
			WriteTimeoutS: 5,
		},
		Receipt: devices.DefaultReceiptLayout(),
		Update: UpdateConfig{
			GitHubRepo:         "washline/washline-agent",
			CheckIntervalHours: 6,
		},
	}
}

func LoadOrCreateDefault() (*Config, error) {
	if _, err := os.Stat(Path()); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if errSave := Save(cfg); errSave != nil {
			return nil, errSave
		}
		return cfg, nil
	}

	return Load()
}

func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.AgentID = ""
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(), err)
	}

	// Files written before agent_id existed get one generated and persisted.
	if strings.TrimSpace(cfg.AgentID) == "" {
		cfg.AgentID = uuid.NewString()
		if err = Save(cfg); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
	if c.Update.CheckIntervalHours <= 0 {
		c.Update.CheckIntervalHours = 6
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func Save(cfg *Config) error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(Path(), data, 0o600)
}

func Dir() string {
	if runtime.GOOS == "windows" {
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return filepath.Join(programData, "WashlineAgent")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(configDir, "washline-agent")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Path() string {
	return filepath.Join(Dir(), "config.json")
}
