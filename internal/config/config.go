package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api" or "worker".
	Mode string `env:"ZEROCLAW_MODE" envDefault:"api"`

	// Server
	Host string `env:"ZEROCLAW_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"ZEROCLAW_PORT" envDefault:"8080"`

	// CPRoot is the directory holding registry.db and instances/.
	CPRoot string `env:"ZEROCLAW_CP_ROOT" envDefault:"./zeroclaw-data"`

	// Home is the process-family sentinel value the lifecycle's
	// PID-ownership check looks for in a managed agent's environment.
	Home string `env:"ZEROCLAW_HOME" envDefault:"zeroclaw"`

	// FlowsDir holds operator-authored flow TOML definitions.
	FlowsDir string `env:"ZEROCLAW_FLOWS_DIR" envDefault:"./flows"`

	// Instance port allocation range.
	PortRangeLo int `env:"ZEROCLAW_PORT_RANGE_LO" envDefault:"18801"`
	PortRangeHi int `env:"ZEROCLAW_PORT_RANGE_HI" envDefault:"18999"`

	// AgentBinaryPath is the executable spawned for each instance. Empty
	// means re-exec the CP's own binary in "agent" mode (spec §2 "the CP
	// spawns... agent instances").
	AgentBinaryPath string `env:"ZEROCLAW_AGENT_BIN"`

	// Redis is optional. When unset, the delivery worker's wake
	// accelerator is disabled and pure tick-polling is used instead.
	RedisURL string `env:"REDIS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// MessageSecretKeys lists JSON object keys whose string values are
	// redacted from message payloads before persistence (spec §4.B step 6).
	MessageSecretKeys []string `env:"ZEROCLAW_MESSAGE_SECRET_KEYS" envDefault:"api_key,password,token,secret" envSeparator:","`

	// Flow authoring policy defaults (spec §4.F).
	AgentAuthoringEnabled   bool     `env:"ZEROCLAW_AGENT_AUTHORING_ENABLED" envDefault:"true"`
	FlowMaxSteps            int      `env:"ZEROCLAW_FLOW_MAX_STEPS" envDefault:"30"`
	FlowMaxAgentFlows       int      `env:"ZEROCLAW_FLOW_MAX_AGENT_FLOWS" envDefault:"20"`
	FlowAutoApprove         bool     `env:"ZEROCLAW_FLOW_AUTO_APPROVE" envDefault:"true"`
	FlowAutoApproveMaxSteps int      `env:"ZEROCLAW_FLOW_AUTO_APPROVE_MAX_STEPS" envDefault:"5"`
	FlowRequireHandoffOnKbd bool     `env:"ZEROCLAW_FLOW_REQUIRE_HANDOFF_ON_KEYBOARD" envDefault:"false"`
	FlowDeniedStepKinds     []string `env:"ZEROCLAW_FLOW_DENIED_STEP_KINDS" envSeparator:","`
	FlowDeniedTextPatterns  []string `env:"ZEROCLAW_FLOW_DENIED_TEXT_PATTERNS" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
