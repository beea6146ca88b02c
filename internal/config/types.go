package config

import "time"

// Transport names accepted in bus.transport.
const (
	TransportMQTT   = "mqtt"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// Mode selects the request protocol variant.
type Mode string

const (
	// ModeSingle accepts only {"command": ...} objects and subscribes to the
	// request root alone.
	ModeSingle Mode = "single"
	// ModeBatch also accepts arrays of commands and subscribes to the
	// broadcast and edge-scoped sub-topics.
	ModeBatch Mode = "batch"
)

// Output selects how command output is captured and shaped.
type Output string

const (
	// OutputSplit captures stdout and stderr separately; both keys are always present.
	OutputSplit Output = "split"
	// OutputMerged captures one combined stream, reported as stdout on
	// success and stderr on failure.
	OutputMerged Output = "merged"
)

// Response topic modes.
const (
	ResponseFixed  = "fixed"
	ResponseMirror = "mirror"
)

// Config represents the complete edgecmd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Bus      BusConfig      `yaml:"bus"`
	Topics   TopicsConfig   `yaml:"topics"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	SSH      SSHConfig      `yaml:"ssh"`
	History  HistoryConfig  `yaml:"history"`
	API      APIConfig      `yaml:"api,omitempty"`

	// SourceFile is the path the config was loaded from, empty for defaults.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// BusConfig selects and configures the message bus backend.
type BusConfig struct {
	Transport string `yaml:"transport"`
	// InboxSize bounds how many delivered messages may wait for the
	// dispatcher while a command is running.
	InboxSize int         `yaml:"inbox_size"`
	MQTT      MQTTConfig  `yaml:"mqtt"`
	Redis     RedisConfig `yaml:"redis"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker             string        `yaml:"broker"`
	ClientID           string        `yaml:"client_id"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	KeepAlive          time.Duration `yaml:"keepalive"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	QoS                int           `yaml:"qos"`
	CleanSession       bool          `yaml:"clean_session"`
	CAFile             string        `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify,omitempty"`
}

// RedisConfig holds Redis pub/sub connection settings.
type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	MasterName string   `yaml:"master_name,omitempty"`
}

// TopicsConfig defines where requests arrive and responses go.
type TopicsConfig struct {
	RequestRoot  string `yaml:"request_root"`
	ResponseRoot string `yaml:"response_root"`
	// EdgeID narrows the _edge/ subscription to one identifier. Empty means
	// the single-level wildcard.
	EdgeID       string `yaml:"edge_id,omitempty"`
	ResponseMode string `yaml:"response_mode"`
}

// DispatchConfig controls decoding and command execution.
type DispatchConfig struct {
	Mode   Mode   `yaml:"mode"`
	Output Output `yaml:"output"`
	Shell  string `yaml:"shell"`
	// ArgvMode executes the tokenized command line directly instead of
	// handing it to the shell.
	ArgvMode bool `yaml:"argv_mode"`
	// Timeout of zero means commands may run forever.
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// SSHConfig controls remote execution for requests with useSsh set.
type SSHConfig struct {
	Enabled        bool          `yaml:"enabled"`
	KnownHostsFile string        `yaml:"known_hosts,omitempty"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// HistoryConfig controls the optional execution log.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// APIConfig defines the local ops HTTP server.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns the built-in configuration: batch mode, split output, no timeout.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "edgecmd",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/edgecmd.pid",
		},
		Bus: BusConfig{
			Transport: TransportMQTT,
			InboxSize: 64,
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				KeepAlive:      30 * time.Second,
				ConnectTimeout: 30 * time.Second,
				CleanSession:   true,
			},
			Redis: RedisConfig{
				Addrs: []string{"localhost:6379"},
			},
		},
		Topics: TopicsConfig{
			RequestRoot:  "edge/command/request",
			ResponseRoot: "edge/command/response",
			ResponseMode: ResponseFixed,
		},
		Dispatch: DispatchConfig{
			Mode:   ModeBatch,
			Output: OutputSplit,
			Shell:  "/bin/sh",
		},
		SSH: SSHConfig{
			Enabled:     true,
			DialTimeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Enabled:       false,
			Path:          "./data/history.db",
			Retention:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
	}
}
