// Package config handles wlshot configuration
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

// Capture backends.
const (
	BackendAuto    = "auto"
	BackendWayland = "wayland"
	BackendX11     = "x11"
)

// Image encodings.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatPPM  = "ppm"
)

type Config struct {
	Output         string
	Cursor         bool
	Format         string
	JPEGQuality    int
	CaptureTimeout time.Duration // 0 waits forever
	ScaleToLogical bool
	ShmDir         string
	HTTPAddr       string
	ConnectRetries int
	HashThreshold  int // max pHash distance still treated as unchanged
	LogLevel       string
	Backend        string
}

func Load() *Config {
	return &Config{
		Output:         getEnv("WLSHOT_OUTPUT", ""),
		Cursor:         getEnvBool("WLSHOT_CURSOR", false),
		Format:         strings.ToLower(getEnv("WLSHOT_FORMAT", FormatPNG)),
		JPEGQuality:    getEnvInt("WLSHOT_JPEG_QUALITY", 90),
		CaptureTimeout: getEnvDuration("WLSHOT_CAPTURE_TIMEOUT", 0),
		ScaleToLogical: getEnvBool("WLSHOT_SCALE_TO_LOGICAL", false),
		ShmDir:         getEnv("WLSHOT_SHM_DIR", "/dev/shm"),
		HTTPAddr:       getEnv("WLSHOT_HTTP_ADDR", "127.0.0.1:8765"),
		ConnectRetries: getEnvInt("WLSHOT_CONNECT_RETRIES", 2),
		HashThreshold:  getEnvInt("WLSHOT_HASH_THRESHOLD", 5),
		LogLevel:       strings.ToLower(getEnv("WLSHOT_LOG_LEVEL", "info")),
		Backend:        strings.ToLower(getEnv("WLSHOT_BACKEND", BackendAuto)),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(key string, v any) error {
		return apperrors.Newf(apperrors.CodeConfigInvalid, "invalid %s: %v", key, v).
			WithMetadata("key", key)
	}
	switch c.Format {
	case FormatPNG, FormatJPEG, FormatPPM:
	default:
		return invalid("format", c.Format)
	}
	switch c.Backend {
	case BackendAuto, BackendWayland, BackendX11:
	default:
		return invalid("backend", c.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log level", c.LogLevel)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return invalid("jpeg quality", c.JPEGQuality)
	}
	if c.CaptureTimeout < 0 {
		return invalid("capture timeout", c.CaptureTimeout)
	}
	if c.ConnectRetries < 0 {
		return invalid("connect retries", c.ConnectRetries)
	}
	if c.HashThreshold < 0 || c.HashThreshold > 64 {
		return invalid("hash threshold", c.HashThreshold)
	}
	if c.ShmDir == "" {
		return invalid("shm dir", `""`)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("1.5s") or plain seconds ("2").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
