package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"pagevfs/internal/shared"
)

// Backend names accepted by PAGEVFS_BACKEND.
const (
	BackendVector = "vector"
	BackendFile   = "file"
	BackendHost   = "host"
)

// Sleep policies accepted by PAGEVFS_SLEEP.
const (
	SleepPassThrough = "passthrough"
	SleepBlock       = "block"
)

// Config holds application configuration values.
type Config struct {
	Env    string `validate:"required,oneof=dev prod"`
	Memory struct {
		Backend      string `validate:"required,oneof=vector file host"`
		File         string `validate:"required_if=Backend file"`
		InitialPages uint64
		MaxPages     uint64
		FileName     string `validate:"required,excludesall=/\\"`
		Sleep        string `validate:"required,oneof=passthrough block"`
	}
	HTTP struct {
		Addr string `validate:"required"`
		// AllowedCIDRs restricts /v1 endpoints; empty admits everyone.
		AllowedCIDRs string `validate:"omitempty,cidrlist"`
		ImageRate    time.Duration `validate:"gte=0"`
	}
	Checkpoint struct {
		Schedule string `validate:"omitempty,cron"`
		Dir      string `validate:"required"`
		Keep     int    `validate:"gte=1"`
		Compress bool
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("cidrlist", func(fl validator.FieldLevel) bool {
		for _, part := range strings.Split(fl.Field().String(), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, err := netip.ParsePrefix(part); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(part); err != nil {
				return false
			}
		}
		return true
	})
	return v
}

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.Memory.Backend = strings.ToLower(getenv("PAGEVFS_BACKEND", BackendFile))
	c.Memory.File = getenv("PAGEVFS_MEMORY_FILE", "data/main.pages")
	c.Memory.FileName = getenv("PAGEVFS_FILE_NAME", "main.db")
	c.Memory.Sleep = strings.ToLower(getenv("PAGEVFS_SLEEP", SleepPassThrough))
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.HTTP.AllowedCIDRs = os.Getenv("HTTP_ALLOWED_CIDRS")
	c.Checkpoint.Schedule = os.Getenv("CHECKPOINT_SCHEDULE")
	c.Checkpoint.Dir = getenv("CHECKPOINT_DIR", "data/checkpoints")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/pagevfs.log")

	var err error
	if c.Memory.InitialPages, err = getUint("PAGEVFS_INITIAL_PAGES", 0); err != nil {
		return Config{}, err
	}
	if c.Memory.MaxPages, err = getUint("PAGEVFS_MAX_PAGES", 0); err != nil {
		return Config{}, err
	}
	keep, err := getUint("CHECKPOINT_KEEP", 5)
	if err != nil {
		return Config{}, err
	}
	c.Checkpoint.Keep = int(keep)
	if c.Checkpoint.Compress, err = getBool("CHECKPOINT_COMPRESS", true); err != nil {
		return Config{}, err
	}
	if c.HTTP.ImageRate, err = getDuration("HTTP_IMAGE_RATE", 10*time.Second); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, shared.MarkKind(err, shared.KindValidation)
	}
	if c.Memory.MaxPages != 0 && c.Memory.InitialPages > c.Memory.MaxPages {
		return Config{}, shared.Wrapf(shared.ErrValidation,
			"PAGEVFS_INITIAL_PAGES (%d) exceeds PAGEVFS_MAX_PAGES (%d)", c.Memory.InitialPages, c.Memory.MaxPages)
	}
	return c, nil
}

// CheckpointsEnabled reports whether a checkpoint schedule is configured.
func (c Config) CheckpointsEnabled() bool {
	return c.Checkpoint.Schedule != ""
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getUint(k string, def uint64) (uint64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, shared.Wrap(shared.ErrValidation, fmt.Sprintf("%s: %q is not a non-negative integer", k, v))
	}
	return n, nil
}

func getBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, shared.Wrap(shared.ErrValidation, fmt.Sprintf("%s: %q is not a boolean", k, v))
	}
	return b, nil
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, shared.Wrap(shared.ErrValidation, fmt.Sprintf("%s: %q is not a duration", k, v))
	}
	return d, nil
}
