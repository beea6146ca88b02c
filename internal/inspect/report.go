// Package inspect renders a stored request as a per-command report.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/edgecmd/internal/history"
	"github.com/mattjoyce/edgecmd/internal/protocol"
)

// EntryReader looks up one history entry. *history.Store satisfies it.
type EntryReader interface {
	Get(ctx context.Context, id string) (*history.Entry, error)
}

// Report is the structured JSON representation of an entry report.
type Report struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	ResponseTopic string    `json:"response_topic"`
	Shape         string    `json:"shape"`
	PayloadDigest string    `json:"payload_digest"`
	ReceivedAt    time.Time `json:"received_at"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMS    int64     `json:"duration_ms"`
	Commands      int       `json:"commands"`
	Failed        int       `json:"failed"`
	Steps         []Step    `json:"steps"`
}

// Step pairs one request item with its result.
type Step struct {
	Index   int     `json:"index"`
	Command string  `json:"command"`
	SSHHost string  `json:"ssh_host,omitempty"`
	SSHUser string  `json:"ssh_user,omitempty"`
	Error   bool    `json:"error"`
	Stdout  *string `json:"stdout,omitempty"`
	Stderr  *string `json:"stderr,omitempty"`
}

// BuildReport renders a terminal-friendly report for a history entry.
func BuildReport(ctx context.Context, r EntryReader, id string) (string, error) {
	report, err := gatherReportData(ctx, r, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Request Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Topic       : %s\n", report.Topic)
	fmt.Fprintf(&out, "Response to : %s\n", report.ResponseTopic)
	fmt.Fprintf(&out, "Shape       : %s\n", report.Shape)
	fmt.Fprintf(&out, "Digest      : %s\n", report.PayloadDigest)
	fmt.Fprintf(&out, "Received    : %s\n", report.ReceivedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Duration    : %dms\n", report.DurationMS)
	fmt.Fprintf(&out, "Commands    : %d (%d failed)\n", report.Commands, report.Failed)
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		status := "ok"
		if step.Error {
			status = "error"
		}
		fmt.Fprintf(&out, "[%d] %s\n", step.Index, renderUnset(step.Command, "<invalid>"))
		if step.SSHHost != "" {
			fmt.Fprintf(&out, "    ssh     : %s@%s\n", renderUnset(step.SSHUser, "<current>"), step.SSHHost)
		}
		fmt.Fprintf(&out, "    status  : %s\n", status)
		writeStream(&out, "stdout", step.Stdout)
		writeStream(&out, "stderr", step.Stderr)
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, r EntryReader, id string) (string, error) {
	report, err := gatherReportData(ctx, r, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, r EntryReader, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("entry id is required")
	}

	e, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, fmt.Errorf("entry %q not found", id)
		}
		return nil, fmt.Errorf("load entry %q: %w", id, err)
	}

	report := &Report{
		ID:            e.ID,
		Topic:         e.Topic,
		ResponseTopic: e.ResponseTopic,
		Shape:         e.Shape,
		PayloadDigest: e.PayloadDigest,
		ReceivedAt:    e.ReceivedAt,
		CompletedAt:   e.CompletedAt,
		DurationMS:    e.CompletedAt.Sub(e.ReceivedAt).Milliseconds(),
		Commands:      e.Commands,
		Failed:        e.Failed,
		Steps:         make([]Step, 0, e.Commands),
	}

	requests, results, err := splitItems(e)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", id, err)
	}
	for i, res := range results {
		step := Step{Index: i, Error: res.Error, Stdout: res.Stdout, Stderr: res.Stderr}
		if i < len(requests) {
			var req protocol.CommandRequest
			if json.Unmarshal(requests[i], &req) == nil {
				step.Command = req.Command
				if req.UseSSH {
					step.SSHHost = req.SSHHost
					step.SSHUser = req.SSHUser
				}
			}
		}
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

// splitItems lines up the raw request items with their decoded results.
func splitItems(e *history.Entry) ([]json.RawMessage, []protocol.CommandResult, error) {
	if e.Shape == protocol.ShapeBatch.String() {
		var requests []json.RawMessage
		if err := json.Unmarshal(e.Request, &requests); err != nil {
			return nil, nil, fmt.Errorf("decode batch request: %w", err)
		}
		var results []protocol.CommandResult
		if err := json.Unmarshal(e.Response, &results); err != nil {
			return nil, nil, fmt.Errorf("decode batch response: %w", err)
		}
		return requests, results, nil
	}

	var result protocol.CommandResult
	if err := json.Unmarshal(e.Response, &result); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return []json.RawMessage{e.Request}, []protocol.CommandResult{result}, nil
}

func writeStream(out *strings.Builder, name string, s *string) {
	if s == nil {
		return
	}
	if *s == "" {
		fmt.Fprintf(out, "    %-7s : <empty>\n", name)
		return
	}
	fmt.Fprintf(out, "    %-7s :\n", name)
	for _, line := range strings.Split(strings.TrimRight(*s, "\n"), "\n") {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
