package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Redis struct {
		// Addr empty means no shared lock store: distributed jobs fall back
		// to an in-process lock table and only this instance runs them.
		Addr     string
		Password string
		DB       int `validate:"min=0"`
	}
	Scheduler struct {
		LockTTL      time.Duration
		MisfireGrace time.Duration
		Coalesce     bool
		MaxInstances int `validate:"min=1"`
		DrainTimeout time.Duration
	}
	History struct {
		Backend     string `validate:"required,oneof=sqlite postgres off"`
		SQLitePath  string
		PostgresDSN string
		Retention   time.Duration
	}
	Telegram struct {
		Token       string
		AlertChatID int64
	}
	Probe struct {
		URL      string
		Interval time.Duration
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var err error

	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/dsched.log")

	c.Redis.Addr = os.Getenv("REDIS_ADDR")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if c.Redis.DB, err = getenvInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	if c.Scheduler.LockTTL, err = getenvDuration("SCHEDULER_LOCK_TTL", 300*time.Second); err != nil {
		return Config{}, err
	}
	if c.Scheduler.MisfireGrace, err = getenvDuration("SCHEDULER_MISFIRE_GRACE", 60*time.Second); err != nil {
		return Config{}, err
	}
	if c.Scheduler.Coalesce, err = getenvBool("SCHEDULER_COALESCE", true); err != nil {
		return Config{}, err
	}
	if c.Scheduler.MaxInstances, err = getenvInt("SCHEDULER_MAX_INSTANCES", 1); err != nil {
		return Config{}, err
	}
	if c.Scheduler.DrainTimeout, err = getenvDuration("SCHEDULER_DRAIN_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}

	c.History.Backend = strings.ToLower(getenv("HISTORY_BACKEND", "sqlite"))
	c.History.SQLitePath = getenv("HISTORY_SQLITE_PATH", "data/dsched.db")
	c.History.PostgresDSN = os.Getenv("HISTORY_POSTGRES_DSN")
	if c.History.Retention, err = getenvDuration("HISTORY_RETENTION", 168*time.Hour); err != nil {
		return Config{}, err
	}

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	if c.Telegram.AlertChatID, err = getenvInt64("TELEGRAM_ALERT_CHAT", 0); err != nil {
		return Config{}, err
	}

	c.Probe.URL = os.Getenv("PROBE_URL")
	if c.Probe.Interval, err = getenvDuration("PROBE_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Scheduler.LockTTL <= 0 {
		return Config{}, errors.New("SCHEDULER_LOCK_TTL must be positive")
	}
	if c.Scheduler.MisfireGrace < 0 {
		return Config{}, errors.New("SCHEDULER_MISFIRE_GRACE cannot be negative")
	}
	if c.Scheduler.DrainTimeout <= 0 {
		return Config{}, errors.New("SCHEDULER_DRAIN_TIMEOUT must be positive")
	}
	if c.History.Retention < 0 {
		return Config{}, errors.New("HISTORY_RETENTION cannot be negative")
	}
	if c.History.Backend == "postgres" && c.History.PostgresDSN == "" {
		return Config{}, errors.New("HISTORY_POSTGRES_DSN required when HISTORY_BACKEND is postgres")
	}
	if c.Telegram.AlertChatID != 0 && c.Telegram.Token == "" {
		return Config{}, errors.New("TELEGRAM_BOT_TOKEN required when TELEGRAM_ALERT_CHAT is set")
	}
	if c.Probe.Interval <= 0 {
		return Config{}, errors.New("PROBE_INTERVAL must be positive")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", k, v)
	}
	return n, nil
}

func getenvInt64(k string, def int64) (int64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", k, v)
	}
	return n, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", k, v)
	}
	return b, nil
}

// getenvDuration accepts Go duration syntax ("90s", "5m") and, for
// compatibility with second-based deployments, bare integers of seconds.
func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("%s: invalid duration %q", k, v)
}
