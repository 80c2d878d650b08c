package config

import "time"

// Config represents the complete stackpilot configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Database     DatabaseConfig     `yaml:"database"`
	API          APIConfig          `yaml:"api"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Agent        AgentConfig        `yaml:"agent"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the local relay API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// OrchestratorConfig defines the connection to the remote agent orchestrator.
type OrchestratorConfig struct {
	BaseURL      string  `yaml:"base_url"`
	Token        string  `yaml:"token"`
	APIKey       string  `yaml:"api_key"`
	ProjectID    string  `yaml:"project_id"`
	DatabaseID   *string `yaml:"database_id,omitempty"`
	ConnectionID *string `yaml:"connection_id,omitempty"`
	ShareToken   *string `yaml:"share_token,omitempty"`
}

// RealtimeConfig defines the backend change-feed subscription.
type RealtimeConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig defines task-submission behavior.
type AgentConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	HistoryPageSize int           `yaml:"history_page_size"`
}
