package config

import (
	"fmt"
	"slices"
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if !slices.Contains([]string{OutputText, OutputJSON, OutputYAML}, c.OutputFormat) {
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", c.OutputFormat)
	}
	return c.ProjectConfig.Validate()
}

// RequireTarget checks that a target portal is configured.
func (c *Config) RequireTarget() error {
	if c.Target == nil {
		return fmt.Errorf("no target portal configured\nHint: add a target section to %s", ConfigFileNames[0])
	}
	return nil
}
