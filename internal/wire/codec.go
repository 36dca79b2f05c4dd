package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Delimiter terminates every encoded envelope.
const Delimiter = '\n'

var (
	ErrEmptyEnvelope    = errors.New("envelope carries no variant")
	ErrMultipleVariants = errors.New("envelope carries more than one variant")
	ErrUnknownTag       = errors.New("unknown envelope tag")
)

// DecodeError is returned for any line that cannot be turned into an
// Envelope. Callers drop the line and keep the connection.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes env as one JSON object followed by a single '\n'.
// encoding/json escapes control characters inside strings, so the output
// never contains an embedded delimiter.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind() == KindInvalid {
		if env == (Envelope{}) {
			return nil, fmt.Errorf("encode envelope: %w", ErrEmptyEnvelope)
		}
		return nil, fmt.Errorf("encode envelope: %w", ErrMultipleVariants)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(data, Delimiter), nil
}

// Decode parses one line (with or without its trailing "\n" or "\r\n")
// into an Envelope. Every failure is a *DecodeError.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSuffix(line, []byte{Delimiter})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Envelope{}, &DecodeError{Line: line, Err: err}
	}
	if len(fields) == 0 {
		return Envelope{}, &DecodeError{Line: line, Err: ErrEmptyEnvelope}
	}
	if len(fields) > 1 {
		return Envelope{}, &DecodeError{Line: line, Err: ErrMultipleVariants}
	}

	var env Envelope
	for tag, raw := range fields {
		var err error
		switch tag {
		case tagChat:
			err = json.Unmarshal(raw, &env.Chat)
		case tagNotice:
			err = json.Unmarshal(raw, &env.Notice)
		case tagJoin:
			err = json.Unmarshal(raw, &env.Join)
		case tagLeave:
			err = json.Unmarshal(raw, &env.Leave)
		case tagPresence:
			err = json.Unmarshal(raw, &env.Presence)
		default:
			err = fmt.Errorf("%w %q", ErrUnknownTag, tag)
		}
		if err != nil {
			return Envelope{}, &DecodeError{Line: line, Err: err}
		}
	}

	// {"chat":null} unmarshals to a nil pointer.
	if env.Kind() == KindInvalid {
		return Envelope{}, &DecodeError{Line: line, Err: ErrEmptyEnvelope}
	}
	return env, nil
}
