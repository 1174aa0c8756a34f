// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envPassword    = "CBACKUP_PASSWORD"
	envHostPackage = "CBACKUP_HOST_PACKAGE"
	envExclude     = "CBACKUP_EXCLUDE"
	envZstdLevel   = "CBACKUP_ZSTD_LEVEL"

	defaultHostPackage = "com.termux"
	defaultZstdLevel   = 3
)

// Config contains the runtime configuration of a backup or restore run.
type Config struct {
	// Password supplied via environment; empty means prompt interactively.
	Password string

	// HostPackage is the package the tool itself runs inside. Its restore
	// takes the self-hotswap path instead of the normal one.
	HostPackage string

	// ExtraExclusions are additional package names to skip at backup time.
	ExtraExclusions []string

	// ZstdLevel is the compression level of the data archive stage.
	ZstdLevel int
}

var getenv = os.Getenv

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Password:    getenv(envPassword),
		HostPackage: strings.TrimSpace(getenv(envHostPackage)),
		ZstdLevel:   defaultZstdLevel,
	}

	if cfg.HostPackage == "" {
		cfg.HostPackage = detectHostPackage()
	}

	if raw := strings.TrimSpace(getenv(envExclude)); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				cfg.ExtraExclusions = append(cfg.ExtraExclusions, part)
			}
		}
	}

	if raw := strings.TrimSpace(getenv(envZstdLevel)); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", envZstdLevel, raw, err)
		}
		cfg.ZstdLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.HostPackage == "" {
		return fmt.Errorf("host package cannot be empty")
	}
	if strings.ContainsAny(c.HostPackage, "/\x00") {
		return fmt.Errorf("host package %q is not a valid package name", c.HostPackage)
	}
	if c.ZstdLevel < 1 || c.ZstdLevel > 22 {
		return fmt.Errorf("zstd compression level must be 1-22, got %d", c.ZstdLevel)
	}
	return nil
}

var executablePath = os.Executable

// detectHostPackage derives the package name of the app hosting this process
// from the executable's location under /data/data or /data/user/<n>.
// Falls back to the stock Termux package when the path gives no answer.
func detectHostPackage() string {
	exe, err := executablePath()
	if err != nil {
		return defaultHostPackage
	}
	if pkg := packageFromDataPath(exe); pkg != "" {
		return pkg
	}
	return defaultHostPackage
}

// packageFromDataPath handles /data/data/<pkg>/... and /data/user/<n>/<pkg>/...
func packageFromDataPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "data" && parts[1] == "data" {
		return parts[2]
	}
	if len(parts) >= 4 && parts[0] == "data" && parts[1] == "user" {
		return parts[3]
	}
	return ""
}
