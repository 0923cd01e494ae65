package lifecycle

// InstanceConfig models the per-instance config.toml schema (spec §4.D).
// pkg/configsvc parses, diffs, and masks the same shape; this package only
// needs enough of it to synthesize a default on Create and rewrite it on
// Clone.
type InstanceConfig struct {
	DefaultProvider string             `toml:"default_provider,omitempty"`
	DefaultModel    string             `toml:"default_model,omitempty"`
	Gateway         GatewayConfig      `toml:"gateway"`
	ModelRoutes     []ModelRoute       `toml:"model_routes,omitempty"`
	Integrations    IntegrationsConfig `toml:"integrations"`
	WorkspaceDir    string             `toml:"workspace_dir,omitempty"`
}

// GatewayConfig holds the instance's own HTTP listener and paired-token
// authentication state (paired_tokens, webhook_secret are secret paths —
// see pkg/configsvc/masking.go).
type GatewayConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	PairedTokens  []string `toml:"paired_tokens,omitempty"`
	WebhookSecret string   `toml:"webhook_secret,omitempty"`
}

// ModelRoute is one model backend the instance may route requests to.
type ModelRoute struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKey    string `toml:"api_key,omitempty"`
	APISecret string `toml:"api_secret,omitempty"`
}

// IntegrationsConfig holds the Telegram channel credential.
type IntegrationsConfig struct {
	TelegramBotToken string `toml:"telegram_bot_token,omitempty"`
}

// DefaultInstanceConfig builds a config with sane defaults, applying
// optional provider/model overrides (spec §4.C "synthesize a default
// config with the allocated port").
func DefaultInstanceConfig(port int, provider, model string) InstanceConfig {
	cfg := InstanceConfig{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: port},
	}
	if provider != "" {
		cfg.DefaultProvider = provider
	}
	if model != "" {
		cfg.DefaultModel = model
	}
	return cfg
}
