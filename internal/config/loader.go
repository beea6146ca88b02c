package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNoConfig is returned by Discover when no config file exists in any of
// the standard locations.
var ErrNoConfig = errors.New("no config file found")

// Load reads configuration from a YAML file on top of Defaults(). An empty
// path falls back to Discover; when nothing is found the defaults are used.
// Overrides are not applied here; see ApplyOverrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		discovered, err := Discover()
		if errors.Is(err, ErrNoConfig) {
			cfg := Defaults()
			if err := Validate(cfg); err != nil {
				return nil, fmt.Errorf("invalid configuration: %w", err)
			}
			return cfg, nil
		}
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $EDGECMD_CONFIG, ~/.config/edgecmd/config.yaml, /etc/edgecmd/config.yaml, ./config.yaml
func Discover() (string, error) {
	if path := os.Getenv("EDGECMD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("EDGECMD_CONFIG points to a missing file: %s", path)
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "edgecmd", "config.yaml"))
	}
	candidates = append(candidates, "/etc/edgecmd/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoConfig
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config file is empty: %s", path)
	}

	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	cfg.SourceFile = path
	return cfg, nil
}

// interpolateEnv replaces ${VAR} placeholders with environment values.
// Unknown variables are left in place and caught by Validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if err := validateBus(&cfg.Bus); err != nil {
		return err
	}
	if err := validateTopics(&cfg.Topics); err != nil {
		return err
	}

	switch cfg.Dispatch.Mode {
	case ModeSingle, ModeBatch:
	default:
		return fmt.Errorf("dispatch.mode must be single or batch (got %q)", cfg.Dispatch.Mode)
	}
	switch cfg.Dispatch.Output {
	case OutputSplit, OutputMerged:
	default:
		return fmt.Errorf("dispatch.output must be split or merged (got %q)", cfg.Dispatch.Output)
	}
	if !cfg.Dispatch.ArgvMode && strings.TrimSpace(cfg.Dispatch.Shell) == "" {
		return fmt.Errorf("dispatch.shell is required unless dispatch.argv_mode is set")
	}
	if cfg.Dispatch.Timeout < 0 {
		return fmt.Errorf("dispatch.timeout must not be negative")
	}
	if cfg.Dispatch.MaxOutputBytes < 0 {
		return fmt.Errorf("dispatch.max_output_bytes must not be negative")
	}

	if cfg.SSH.Enabled && cfg.SSH.DialTimeout <= 0 {
		return fmt.Errorf("ssh.dial_timeout must be positive")
	}

	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return fmt.Errorf("history.path is required when history is enabled")
		}
		if cfg.History.Retention < 0 {
			return fmt.Errorf("history.retention must not be negative")
		}
		if cfg.History.Retention > 0 && cfg.History.PruneInterval <= 0 {
			return fmt.Errorf("history.prune_interval must be positive when retention is set")
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func validateBus(b *BusConfig) error {
	if b.InboxSize < 0 {
		return fmt.Errorf("bus.inbox_size must not be negative")
	}
	switch b.Transport {
	case TransportMQTT:
		if b.MQTT.Broker == "" {
			return fmt.Errorf("bus.mqtt.broker is required")
		}
		if b.MQTT.QoS < 0 || b.MQTT.QoS > 2 {
			return fmt.Errorf("bus.mqtt.qos must be 0, 1 or 2 (got %d)", b.MQTT.QoS)
		}
		if b.MQTT.KeepAlive < 0 {
			return fmt.Errorf("bus.mqtt.keepalive must not be negative")
		}
		if err := unresolved("bus.mqtt.password", b.MQTT.Password); err != nil {
			return err
		}
	case TransportRedis:
		if len(b.Redis.Addrs) == 0 {
			return fmt.Errorf("bus.redis.addrs must list at least one address")
		}
		if err := unresolved("bus.redis.password", b.Redis.Password); err != nil {
			return err
		}
	case TransportMemory:
	default:
		return fmt.Errorf("bus.transport must be one of: mqtt, redis, memory (got %q)", b.Transport)
	}
	return nil
}

func validateTopics(t *TopicsConfig) error {
	if t.RequestRoot == "" {
		return fmt.Errorf("topics.request_root is required")
	}
	if t.ResponseRoot == "" {
		return fmt.Errorf("topics.response_root is required")
	}
	if strings.ContainsAny(t.RequestRoot, "+#") {
		return fmt.Errorf("topics.request_root must not contain wildcards (got %q)", t.RequestRoot)
	}
	if strings.ContainsAny(t.ResponseRoot, "+#") {
		return fmt.Errorf("topics.response_root must not contain wildcards (got %q)", t.ResponseRoot)
	}
	if strings.ContainsAny(t.EdgeID, "+#/") {
		return fmt.Errorf("topics.edge_id must be a single topic level without wildcards (got %q)", t.EdgeID)
	}
	switch t.ResponseMode {
	case ResponseFixed, ResponseMirror:
	default:
		return fmt.Errorf("topics.response_mode must be fixed or mirror (got %q)", t.ResponseMode)
	}
	return nil
}
