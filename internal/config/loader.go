package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// LoaderOptions describes how configuration should be discovered.
type LoaderOptions struct {
	ConfigPaths []string
	FileName    string
	EnvPrefix   string
}

// Load returns the merged configuration from files and environment variables.
// Environment variables (MENDBOT_SERVER_LISTENADDR and so on) override file
// values, which override defaults.
func Load(opts LoaderOptions) (Config, error) {
	v := viper.New()

	name := opts.FileName
	if name == "" {
		name = "mendbot"
	}

	configFile := locateConfigFile(name, opts.ConfigPaths)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(name)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "MENDBOT"
	}
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)

	setDefaults(v)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return expandEnvVars(cfg), nil
}

// expandEnvVars expands ${VAR} and $VAR syntax in configuration strings, so
// secrets can live in the environment while the file stays committable.
func expandEnvVars(cfg Config) Config {
	cfg.Server.ListenAddr = expandEnvString(cfg.Server.ListenAddr)
	cfg.Server.WebhookSecret = expandEnvString(cfg.Server.WebhookSecret)

	cfg.GitHub.AppID = expandEnvString(cfg.GitHub.AppID)
	cfg.GitHub.PrivateKeyPath = expandEnvString(cfg.GitHub.PrivateKeyPath)
	cfg.GitHub.APIBaseURL = expandEnvString(cfg.GitHub.APIBaseURL)
	cfg.GitHub.CloneBaseURL = expandEnvString(cfg.GitHub.CloneBaseURL)
	cfg.GitHub.BotLogin = expandEnvString(cfg.GitHub.BotLogin)

	cfg.Agent.Model = expandEnvString(cfg.Agent.Model)
	cfg.Agent.APIKey = expandEnvString(cfg.Agent.APIKey)

	cfg.RateLimit.RedisAddr = expandEnvString(cfg.RateLimit.RedisAddr)

	cfg.Store.Path = expandEnvString(cfg.Store.Path)

	cfg.Observability.Logging.Level = expandEnvString(cfg.Observability.Logging.Level)
	cfg.Observability.Logging.Format = expandEnvString(cfg.Observability.Logging.Format)

	return cfg
}

// expandEnvString replaces ${VAR} or $VAR with environment variable values.
func expandEnvString(s string) string {
	if s == "" {
		return s
	}

	re := regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	re = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return s
}

func locateConfigFile(name string, paths []string) string {
	searchPaths := append([]string{}, paths...)
	searchPaths = append(searchPaths, ".")
	for _, dir := range searchPaths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name+".yaml")
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", ":8080")

	v.SetDefault("github.apiBaseURL", "https://api.github.com")
	v.SetDefault("github.cloneBaseURL", "https://github.com")
	v.SetDefault("github.botLogin", "mendbot[bot]")

	v.SetDefault("agent.maxTokens", 8192)
	v.SetDefault("agent.reviewMaxTurns", 15)
	v.SetDefault("agent.triageMaxTurns", 30)
	v.SetDefault("agent.timeout", "10m")

	v.SetDefault("ratelimit.max", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.methods", []string{"POST"})
	v.SetDefault("ratelimit.trustProxyHeaders", false)

	v.SetDefault("store.path", defaultStorePath())

	v.SetDefault("autofix.enabled", false)
	v.SetDefault("autofix.maxIssuesPerCycle", 10)
	v.SetDefault("autofix.maxFixAttempts", 3)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "auto")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./mendbot.db"
	}
	return filepath.Join(home, ".config", "mendbot", "mendbot.db")
}
