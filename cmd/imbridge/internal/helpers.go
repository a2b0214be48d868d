package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath is set by the root --config flag.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return config.ExpandHome(ConfigPath)
	}
	if p := os.Getenv("IMBRIDGE_CONFIG"); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imbridge", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogger applies the log section; debug forces the DEBUG level.
func SetupLogger(cfg *config.Config, debug bool) error {
	logger.SetOutput(os.Stderr, cfg.Log.JSON)
	if debug {
		logger.SetLevel(logger.DEBUG)
		return nil
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(level)
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
