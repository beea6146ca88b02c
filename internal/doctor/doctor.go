// Package doctor checks a loaded edgecmd configuration against the host it
// will run on. Config.Validate catches malformed values; doctor catches
// settings that are well-formed but will not work, or work unsafely.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/edgecmd/internal/auth"
	"github.com/mattjoyce/edgecmd/internal/bus"
	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/router"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	auth.ScopeAll:       true,
	auth.ScopeHistoryRO: true,
	auth.ScopeEventsRO:  true,
	"history:rw":        true,
	"events:rw":         true,
}

// Doctor validates a configuration against the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, stat: os.Stat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTopics(r)
	d.validateShell(r)
	d.validateBus(r)
	d.validateSSH(r)
	d.validateHistory(r)
	d.validateAPI(r)
	d.warnUnboundedExecution(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTopics rejects response topics that the adapter itself subscribes
// to, which would feed every response back in as a request.
func (d *Doctor) validateTopics(r *Result) {
	rt, err := router.New(d.cfg.Topics, d.cfg.Dispatch.Mode)
	if err != nil {
		d.addError(r, "topics", "topics.request_root", err.Error())
		return
	}
	for _, filter := range rt.Subscriptions() {
		if bus.Match(filter, d.cfg.Topics.ResponseRoot) {
			d.addError(r, "topics", "topics.response_root",
				fmt.Sprintf("response topic %q matches subscription %q; responses would be executed as requests", d.cfg.Topics.ResponseRoot, filter))
		}
	}
	if d.cfg.Topics.ResponseMode == config.ResponseMirror && !strings.Contains(d.cfg.Topics.RequestRoot, "request") {
		d.addWarning(r, "topics", "topics.response_mode",
			"mirror mode needs \"request\" in the request topic; responses will go to response_root")
	}
}

// validateShell checks that the configured shell can be executed.
func (d *Doctor) validateShell(r *Result) {
	if d.cfg.Dispatch.ArgvMode {
		return
	}
	if _, err := d.lookPath(d.cfg.Dispatch.Shell); err != nil {
		d.addError(r, "dispatch", "dispatch.shell",
			fmt.Sprintf("shell %q is not executable: %v", d.cfg.Dispatch.Shell, err))
	}
}

func (d *Doctor) validateBus(r *Result) {
	if d.cfg.Bus.Transport != config.TransportMQTT {
		if d.cfg.Bus.Transport == config.TransportMemory {
			d.addWarning(r, "bus", "bus.transport", "memory transport only loops back in-process messages")
		}
		return
	}

	m := d.cfg.Bus.MQTT
	u, err := url.Parse(m.Broker)
	if err != nil || u.Host == "" {
		d.addError(r, "bus", "bus.mqtt.broker", fmt.Sprintf("broker %q is not a valid URL", m.Broker))
		return
	}
	if !bus.NeedsTLS(m.Broker) && m.Password != "" {
		d.addWarning(r, "bus", "bus.mqtt.password", "credentials are sent in cleartext over "+u.Scheme)
	}
	if m.InsecureSkipVerify {
		d.addWarning(r, "bus", "bus.mqtt.insecure_skip_verify", "broker certificate is not verified")
	}
	if m.CAFile != "" {
		if _, err := d.stat(m.CAFile); err != nil {
			d.addError(r, "bus", "bus.mqtt.ca_file", fmt.Sprintf("cannot read CA file: %v", err))
		}
	}
}

func (d *Doctor) validateSSH(r *Result) {
	if !d.cfg.SSH.Enabled {
		return
	}
	if d.cfg.SSH.KnownHostsFile == "" {
		d.addWarning(r, "ssh", "ssh.known_hosts", "remote host keys are not verified")
		return
	}
	if _, err := d.stat(d.cfg.SSH.KnownHostsFile); err != nil {
		d.addError(r, "ssh", "ssh.known_hosts", fmt.Sprintf("cannot read known_hosts: %v", err))
	}
}

func (d *Doctor) validateHistory(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	dir := filepath.Dir(d.cfg.History.Path)
	for {
		info, err := d.stat(dir)
		if err == nil {
			if !info.IsDir() {
				d.addError(r, "history", "history.path", fmt.Sprintf("%s is not a directory", dir))
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// validateAPI checks auth settings and token scopes.
func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	a := d.cfg.API.Auth
	if a.APIKey == "" && len(a.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no tokens configured; only /healthz is reachable")
	}
	for i, token := range a.Tokens {
		if token.Token == "" {
			d.addWarning(r, "api", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addWarning(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (d *Doctor) warnUnboundedExecution(r *Result) {
	if d.cfg.Dispatch.Timeout == 0 {
		d.addWarning(r, "dispatch", "dispatch.timeout",
			"no command timeout; a command that never exits stalls all later requests")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
