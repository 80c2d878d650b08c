package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "stackpilot"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/stackpilot.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8091"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.RetryBackoff == 0 {
		cfg.Agent.RetryBackoff = time.Second
	}
	if cfg.Agent.HistoryPageSize == 0 {
		cfg.Agent.HistoryPageSize = 200
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := checkUnresolvedEnv("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator.base_url is required")
	}
	if cfg.Orchestrator.Token == "" {
		return fmt.Errorf("orchestrator.token is required")
	}
	if err := checkUnresolvedEnv("orchestrator.token", cfg.Orchestrator.Token); err != nil {
		return err
	}
	if cfg.Orchestrator.APIKey == "" {
		return fmt.Errorf("orchestrator.api_key is required")
	}
	if err := checkUnresolvedEnv("orchestrator.api_key", cfg.Orchestrator.APIKey); err != nil {
		return err
	}
	if cfg.Orchestrator.ProjectID == "" {
		return fmt.Errorf("orchestrator.project_id is required")
	}
	if cfg.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	return nil
}

func checkUnresolvedEnv(field, value string) error {
	if envVarPattern.MatchString(value) {
		matches := envVarPattern.FindStringSubmatch(value)
		if len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
