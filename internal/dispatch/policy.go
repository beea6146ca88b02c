package dispatch

import (
	"strings"

	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/execute"
	"github.com/mattjoyce/edgecmd/internal/protocol"
)

// shapeResult maps an execution outcome onto the wire result for the
// configured output policy.
//
// split:  both keys always present; error iff the command did not exit 0.
// merged: only stdout on success, only stderr on failure.
func shapeResult(output config.Output, o execute.Outcome) protocol.CommandResult {
	note := o.Note()

	if output == config.OutputMerged {
		text := o.Stdout
		if !o.Combined {
			text += o.Stderr
		}
		if o.OK() {
			return protocol.CommandResult{Stdout: protocol.Str(text)}
		}
		return protocol.CommandResult{Stderr: protocol.Str(withNote(text, note)), Error: true}
	}

	if o.Combined {
		// Combined output lands in stdout on success, stderr on failure.
		if o.OK() {
			return protocol.CommandResult{Stdout: protocol.Str(o.Stdout), Stderr: protocol.Str("")}
		}
		return protocol.CommandResult{Stdout: protocol.Str(""), Stderr: protocol.Str(withNote(o.Stdout, note)), Error: true}
	}

	return protocol.CommandResult{
		Stdout: protocol.Str(o.Stdout),
		Stderr: protocol.Str(withNote(o.Stderr, note)),
		Error:  !o.OK(),
	}
}

// errorResult reports a failure that happened before any command ran.
func errorResult(output config.Output, msg string) protocol.CommandResult {
	if output == config.OutputMerged {
		return protocol.CommandResult{Stderr: protocol.Str(msg), Error: true}
	}
	return protocol.CommandResult{Stdout: protocol.Str(""), Stderr: protocol.Str(msg), Error: true}
}

func withNote(s, note string) string {
	if note == "" {
		return s
	}
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + note
}
