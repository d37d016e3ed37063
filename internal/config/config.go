// Package config resolves server settings from baked-in defaults,
// optionally overridden by a TOML file. No environment variables are
// read; viper.AutomaticEnv is deliberately never enabled.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable the coordinator needs at startup.
type Config struct {
	Port            int
	SpreadsheetsDir string
	UsersFile       string
	StatusAddr      string
}

// Defaults returns the baked-in configuration used when no file is
// supplied and no flags override it.
func Defaults() Config {
	return Config{
		Port:            2000,
		SpreadsheetsDir: "spreadsheets",
		UsersFile:       "users",
		StatusAddr:      "127.0.0.1:9090",
	}
}

// Load resolves a Config from Defaults() and a TOML config file, if
// configPath is non-empty. The --config flag itself is parsed by the CLI
// entrypoint via RegisterFlags before Load is ever called.
func Load(configPath string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetDefault("port", cfg.Port)
	v.SetDefault("spreadsheets_dir", cfg.SpreadsheetsDir)
	v.SetDefault("users_file", cfg.UsersFile)
	v.SetDefault("status_addr", cfg.StatusAddr)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	cfg.Port = v.GetInt("port")
	cfg.SpreadsheetsDir = v.GetString("spreadsheets_dir")
	cfg.UsersFile = v.GetString("users_file")
	cfg.StatusAddr = v.GetString("status_addr")

	return cfg, nil
}

// ValidatePort checks that p is a syntactically valid TCP port number.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", p)
	}
	return nil
}

// RegisterFlags wires the optional --config flag onto fs and returns a
// pointer to its parsed value. Call fs.Parse before dereferencing it.
func RegisterFlags(fs *pflag.FlagSet) *string {
	return fs.String("config", "", "path to a TOML config file")
}
