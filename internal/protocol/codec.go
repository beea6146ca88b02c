package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformed is returned when the payload is not valid UTF-8 JSON.
	ErrMalformed = errors.New("malformed request payload")
	// ErrUnsupportedShape is returned when the top-level value is neither an
	// object nor (in batch mode) an array.
	ErrUnsupportedShape = errors.New("unsupported request shape")
	// ErrMissingCommand is returned when an object has no string "command" key.
	ErrMissingCommand = errors.New("missing command field")
	// ErrNotObject is returned for batch elements that are not JSON objects.
	ErrNotObject = errors.New("request item is not an object")
)

// Decode parses an inbound payload. When allowBatch is false only the
// single-object form is accepted. A single object that cannot be decoded is
// a fatal error for the message; in a batch, bad elements are reported on
// their Item so the rest of the batch still runs.
func Decode(payload []byte, allowBatch bool) (*Payload, error) {
	trimmed := bytes.TrimSpace(payload)
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformed)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformed)
	}

	raw := json.RawMessage(append([]byte(nil), trimmed...))

	switch trimmed[0] {
	case '{':
		req, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		return &Payload{Raw: raw, Shape: ShapeSingle, Items: []Item{{Request: req}}}, nil

	case '[':
		if !allowBatch {
			return nil, fmt.Errorf("%w: batch payloads are disabled in single mode", ErrUnsupportedShape)
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		items := make([]Item, len(elems))
		for i, elem := range elems {
			req, err := decodeItem(elem)
			if err != nil {
				items[i] = Item{Err: fmt.Errorf("request item %d: %w", i, err)}
				continue
			}
			items[i] = Item{Request: req}
		}
		return &Payload{Raw: raw, Shape: ShapeBatch, Items: items}, nil

	default:
		return nil, fmt.Errorf("%w: top-level value must be an object or an array", ErrUnsupportedShape)
	}
}

func decodeItem(raw json.RawMessage) (CommandRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return CommandRequest{}, ErrNotObject
	}

	cmdRaw, ok := fields["command"]
	if !ok || string(bytes.TrimSpace(cmdRaw)) == "null" {
		return CommandRequest{}, ErrMissingCommand
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return CommandRequest{}, fmt.Errorf("%w: command must be a string", ErrMissingCommand)
	}

	var req CommandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return CommandRequest{}, fmt.Errorf("decode command request: %w", err)
	}
	req.Command = cmd
	return req, nil
}

// NewEnvelope builds the response envelope matching the payload shape.
// results must be index-aligned with p.Items.
func NewEnvelope(p *Payload, results []CommandResult) (*Envelope, error) {
	if len(results) != len(p.Items) {
		return nil, fmt.Errorf("result count %d does not match request count %d", len(results), len(p.Items))
	}
	env := &Envelope{Request: p.Raw}
	if p.Shape == ShapeSingle {
		env.Response = results[0]
	} else {
		if results == nil {
			results = []CommandResult{}
		}
		env.Response = results
	}
	return env, nil
}

// Encode serializes an envelope for publishing. The request is written back
// exactly as it arrived; results are encoded without HTML escaping.
func Encode(env *Envelope) ([]byte, error) {
	request := bytes.TrimSpace(env.Request)
	if len(request) == 0 {
		request = []byte("null")
	}
	response, err := marshal(env.Response)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(request) + len(response) + 26)
	buf.WriteString(`{"request":`)
	buf.Write(request)
	buf.WriteString(`,"response":`)
	buf.Write(response)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// redactedKey is matched case-insensitively, as encoding/json does when
// decoding into CommandRequest.
const redactedKey = "sshPassword"

// Redacted returns raw with every sshPassword value replaced by "***".
// Payloads without a password, and payloads that are not JSON, are returned
// unchanged.
func Redacted(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw
	}

	switch trimmed[0] {
	case '{':
		if out, changed := redactObject(trimmed); changed {
			return out
		}
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return raw
		}
		changed := false
		for i, elem := range elems {
			if out, ok := redactObject(elem); ok {
				elems[i] = out
				changed = true
			}
		}
		if !changed {
			return raw
		}
		if out, err := marshal(elems); err == nil {
			return out
		}
	}
	return raw
}

func redactObject(raw json.RawMessage) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return raw, false
	}
	changed := false
	for k := range fields {
		if strings.EqualFold(k, redactedKey) {
			fields[k] = json.RawMessage(`"***"`)
			changed = true
		}
	}
	if !changed {
		return raw, false
	}
	out, err := marshal(fields)
	if err != nil {
		return raw, false
	}
	return out, true
}

// marshal is json.Marshal without HTML escaping and without the encoder's
// trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
