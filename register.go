package partstream

import (
	"errors"
	"fmt"
	"io"
)

// StreamHookFunc consumes one part's content as it is parsed.
type StreamHookFunc = func(r io.Reader, header Header) error

// ErrHookExists is returned by Register when the part name already has a
// hook attached.
var ErrHookExists = errors.New("hook already registered")

type streamHook struct {
	fn    StreamHookFunc
	after []string
}

// RegisterOption adjusts how a registered hook runs.
type RegisterOption func(*streamHook)

// After defers the hook until each named part has been parsed. Payloads
// arriving earlier are buffered off the stream and replayed in arrival
// order once the last named part shows up.
func After(names ...string) RegisterOption {
	return func(h *streamHook) {
		h.after = append(h.after, names...)
	}
}

// Register attaches fn to the named part. During Parse that part's content
// streams into fn instead of being collected into the form values.
func (p *Parser) Register(name string, fn StreamHookFunc, options ...RegisterOption) error {
	if _, ok := p.hookMap[name]; ok {
		return fmt.Errorf("hook %q: %w", name, ErrHookExists)
	}

	hook := streamHook{fn: fn}
	for _, opt := range options {
		opt(&hook)
	}
	p.hookMap[name] = hook

	return nil
}
