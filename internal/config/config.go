package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skillbridge/realtime/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env outside production only (in containers/prod config comes
// from the environment alone).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
		if dir == "" {
			dir = "/"
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// ReminderConfig tunes the reminder presentation per urgency class.
type ReminderConfig struct {
	NormalDurationSec int `yaml:"normal_duration_sec"`
	UrgentDurationSec int `yaml:"urgent_duration_sec"`
	NormalPitchHz     int `yaml:"normal_pitch_hz"`
	UrgentPitchHz     int `yaml:"urgent_pitch_hz"`
}

// Config holds the realtime client settings.
// Priority: environment variables > YAML file > defaults.
type Config struct {
	// Backend endpoints
	APIBaseURL string `yaml:"api_base_url"`
	SocketURL  string `yaml:"socket_url"`

	// Reconnect behaviour
	BackoffBase time.Duration `yaml:"-"`
	BackoffCap  time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Inbox and chat
	PageLimit  int           `yaml:"page_limit"`
	EchoWindow time.Duration `yaml:"-"`

	// Crypto
	KeySalt string `yaml:"key_salt"`

	// Reminders
	Reminder ReminderConfig `yaml:"reminder"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

type yamlConfig struct {
	APIBaseURL     string         `yaml:"api_base_url"`
	SocketURL      string         `yaml:"socket_url"`
	BackoffBaseSec int            `yaml:"backoff_base_sec"`
	BackoffCapSec  int            `yaml:"backoff_cap_sec"`
	MaxAttempts    int            `yaml:"max_attempts"`
	PageLimit      int            `yaml:"page_limit"`
	EchoWindowSec  int            `yaml:"echo_window_sec"`
	KeySalt        string         `yaml:"key_salt"`
	Reminder       ReminderConfig `yaml:"reminder"`
	LogLevel       string         `yaml:"log_level"`
}

// Load loads the configuration. .env first (if present), then YAML
// (CONFIG_PATH or config/client.yaml), then environment overrides.
func Load() *Config {
	loadEnv()
	yc := yamlConfig{
		APIBaseURL:     "http://localhost:8080",
		SocketURL:      "ws://localhost:8080/ws",
		BackoffBaseSec: 1,
		BackoffCapSec:  30,
		MaxAttempts:    8,
		PageLimit:      20,
		EchoWindowSec:  10,
		KeySalt:        "skillbridge",
		Reminder: ReminderConfig{
			NormalDurationSec: 8,
			UrgentDurationSec: 16,
			NormalPitchHz:     440,
			UrgentPitchHz:     660,
		},
		LogLevel: "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parsing %s: %v (falling back to defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	return &Config{
		APIBaseURL:  envStr("API_BASE_URL", yc.APIBaseURL),
		SocketURL:   envStr("SOCKET_URL", yc.SocketURL),
		BackoffBase: time.Duration(envInt("BACKOFF_BASE_SEC", yc.BackoffBaseSec)) * time.Second,
		BackoffCap:  time.Duration(envInt("BACKOFF_CAP_SEC", yc.BackoffCapSec)) * time.Second,
		MaxAttempts: envInt("MAX_ATTEMPTS", yc.MaxAttempts),
		PageLimit:   envInt("PAGE_LIMIT", yc.PageLimit),
		EchoWindow:  time.Duration(envInt("ECHO_WINDOW_SEC", yc.EchoWindowSec)) * time.Second,
		KeySalt:     envStr("KEY_SALT", yc.KeySalt),
		Reminder:    yc.Reminder,
		LogLevel:    envStr("LOG_LEVEL", yc.LogLevel),
	}
}

// envStr returns the environment value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
