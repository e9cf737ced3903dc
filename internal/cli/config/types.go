// Package config provides configuration management for the crmsync CLI.
//
// It extends the shared project configuration from internal/config with
// CLI-specific fields and loads everything through koanf.
package config

import (
	sharedcfg "github.com/leapstack-labs/crmsync/internal/config"
)

// PortalConfig is an alias for the shared portal configuration.
type PortalConfig = sharedcfg.PortalConfig

// ObjectConfig is an alias for the shared object configuration.
type ObjectConfig = sharedcfg.ObjectConfig

// Config holds all CLI configuration options.
type Config struct {
	sharedcfg.ProjectConfig `koanf:",squash"`

	StatePath    string `koanf:"state_path"`
	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`
	CSVDir       string `koanf:"csv_dir"`

	// ProjectRoot is the directory of the config file, or the working
	// directory when no file was found. Relative paths resolve against it.
	ProjectRoot string `koanf:"-"`
}

// Default configuration values.
const (
	DefaultStateFile = ".crmsync/state.db"
	DefaultOutput    = "text"
	DefaultCSVDir    = "."
	EnvPrefix        = "CRMSYNC_"
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// ConfigFileNames are searched in order when no file is given.
var ConfigFileNames = []string{"crmsync.yaml", "crmsync.yml"}
