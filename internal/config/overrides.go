package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. EDGECMD_REQUEST_TOPIC.
const EnvPrefix = "EDGECMD"

type override struct {
	key   string
	usage string
	apply func(cfg *Config, value string)
}

var overrides = []override{
	{"request-topic", "request topic root (default edge/command/request)", func(c *Config, v string) { c.Topics.RequestRoot = v }},
	{"response-topic", "response topic root (default edge/command/response)", func(c *Config, v string) { c.Topics.ResponseRoot = v }},
	{"edge-id", "edge identifier for the _edge/<id> subscription (default +)", func(c *Config, v string) { c.Topics.EdgeID = v }},
	{"transport", "bus transport: mqtt, redis or memory", func(c *Config, v string) { c.Bus.Transport = v }},
	{"broker", "MQTT broker URL, e.g. tcp://localhost:1883", func(c *Config, v string) { c.Bus.MQTT.Broker = v }},
	{"client-id", "MQTT client id", func(c *Config, v string) { c.Bus.MQTT.ClientID = v }},
	{"username", "MQTT username", func(c *Config, v string) { c.Bus.MQTT.Username = v }},
	{"password", "MQTT password", func(c *Config, v string) { c.Bus.MQTT.Password = v }},
	{"redis-addr", "comma-separated Redis addresses", func(c *Config, v string) { c.Bus.Redis.Addrs = splitList(v) }},
	{"mode", "request mode: single or batch", func(c *Config, v string) { c.Dispatch.Mode = Mode(v) }},
	{"output", "output policy: split or merged", func(c *Config, v string) { c.Dispatch.Output = Output(v) }},
	{"log-level", "log level: debug, info, warn, error", func(c *Config, v string) { c.Service.LogLevel = strings.ToLower(v) }},
}

// RegisterOverrideFlags adds the override flags to fs.
func RegisterOverrideFlags(fs *pflag.FlagSet) {
	for _, o := range overrides {
		fs.String(o.key, "", o.usage)
	}
}

// NewOverrides returns a viper instance bound to the override flags in fs
// and to EDGECMD_* environment variables.
func NewOverrides(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		if err := v.BindEnv(o.key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", o.key, err)
		}
		if fs == nil {
			continue
		}
		if f := fs.Lookup(o.key); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", o.key, err)
			}
		}
	}
	return v, nil
}

// ApplyOverrides copies set flag/env values onto cfg and re-validates it.
// Flags win over environment, which wins over the file.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	for _, o := range overrides {
		if !v.IsSet(o.key) {
			continue
		}
		value := strings.TrimSpace(v.GetString(o.key))
		if value == "" {
			continue
		}
		o.apply(cfg, value)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration after overrides: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
