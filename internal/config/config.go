// Package config loads defaults for flags the CLI doesn't receive
// explicitly: a project-local config file found by walking up
// from the working directory, then a user config directory, then the
// user's home directory; flags always win over config, and config
// always wins over these built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Defaults holds the settings a3k falls back to when the corresponding
// flag was not passed on the command line.
type Defaults struct {
	CachedBytes      int64
	CachedFileNumber int
	OutputEncoding   string
	FieldSeparator   string
}

// Load builds a viper instance per the .a3k/config.yaml precedence walk
// and returns the resolved Defaults.
func Load() (Defaults, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	configFileSet := locateConfigFile(v)

	v.SetEnvPrefix("A3K")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("cached-bytes", int64(0))
	v.SetDefault("cached-file-number", 100)
	v.SetDefault("output-encoding", "utf-8")
	v.SetDefault("field-separator", ",")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return Defaults{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	return Defaults{
		CachedBytes:      v.GetInt64("cached-bytes"),
		CachedFileNumber: v.GetInt("cached-file-number"),
		OutputEncoding:   v.GetString("output-encoding"),
		FieldSeparator:   v.GetString("field-separator"),
	}, nil
}

// locateConfigFile walks up from the working directory looking for
// .a3k/config.yaml, then falls back to the user config directory and
// the user's home directory, in that order -- same precedence the
// teacher's internal/config uses for .beads/config.yaml.
func locateConfigFile(v *viper.Viper) bool {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".a3k", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				return true
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		configPath := filepath.Join(configDir, "a3k", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			return true
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(homeDir, ".a3k", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			return true
		}
	}

	return false
}
