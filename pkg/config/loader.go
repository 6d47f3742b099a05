package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} references in the raw config text.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, substitutes, parses, and validates the config file at path.
// A returned error is always fatal for startup.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML config bytes.
func Parse(raw []byte) (*Config, error) {
	substituted := substituteEnvVars(raw)

	var cfg Config
	if err := yaml.Unmarshal(substituted, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} references with environment values.
// Unset variables substitute to the empty string so validation catches
// missing required values instead of leaving literal placeholders behind.
func substituteEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
