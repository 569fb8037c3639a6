// Package config loads the service configuration from files and environment.
package config

// Config represents the full service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	GitHub        GitHubConfig        `yaml:"github"`
	Agent         AgentConfig         `yaml:"agent"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Store         StoreConfig         `yaml:"store"`
	Autofix       AutofixConfig       `yaml:"autofix"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the webhook listener settings.
type ServerConfig struct {
	ListenAddr    string `yaml:"listenAddr"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// GitHubConfig holds App credentials and API endpoints.
type GitHubConfig struct {
	AppID          string `yaml:"appID"`
	InstallationID int64  `yaml:"installationID"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
	APIBaseURL     string `yaml:"apiBaseURL"`
	CloneBaseURL   string `yaml:"cloneBaseURL"`
	BotLogin       string `yaml:"botLogin"`
}

// AgentConfig configures the LLM coding agent.
type AgentConfig struct {
	Model          string `yaml:"model"`
	APIKey         string `yaml:"apiKey"`
	MaxTokens      int    `yaml:"maxTokens"`
	ReviewMaxTurns int    `yaml:"reviewMaxTurns"`
	TriageMaxTurns int    `yaml:"triageMaxTurns"`
	Timeout        string `yaml:"timeout"`
}

// RateLimitConfig configures webhook admission control.
type RateLimitConfig struct {
	Max               int      `yaml:"max"`
	Window            string   `yaml:"window"`
	Methods           []string `yaml:"methods"`
	TrustProxyHeaders bool     `yaml:"trustProxyHeaders"`
	RedisAddr         string   `yaml:"redisAddr"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AutofixConfig controls the remediation pass.
type AutofixConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxIssuesPerCycle int  `yaml:"maxIssuesPerCycle"`
	MaxFixAttempts    int  `yaml:"maxFixAttempts"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warning, error
	Format string `yaml:"format"` // json, human, auto
}
