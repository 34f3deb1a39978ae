package partstream

import (
	"fmt"
	"io"
)

// Part is one section of a multipart body. Its content is a single-pass
// reader backed by the stream's scan buffer, so it must be consumed before
// the stream is advanced; NextPart skips whatever is left unread.
type Part struct {
	header   Header
	stream   *Stream
	consumed int64
	done     bool
	detached bool
}

// Header returns the part's decoded headers.
func (p *Part) Header() Header {
	return p.header
}

// FormName returns the value of the "name" parameter of the part's
// Content-Disposition header, or "" when the header is missing or
// malformed.
func (p *Part) FormName() string {
	return p.header.Name()
}

// FileName returns the value of the "filename" parameter of the part's
// Content-Disposition header, or "" when the part is not a file upload.
func (p *Part) FileName() string {
	return p.header.FileName()
}

// Read reads the part's content. It returns io.EOF at the byte before the
// boundary that terminates the part. After the stream has advanced, Read
// returns ErrPartDetached unless the content was fully consumed.
func (p *Part) Read(b []byte) (int, error) {
	for {
		if p.detached {
			return 0, ErrPartDetached
		}
		if p.done {
			return 0, io.EOF
		}
		if p.stream.err != nil {
			return 0, p.stream.err
		}
		n, err := p.stream.deliver(p, b)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		if p.done {
			return 0, io.EOF
		}
		if len(b) == 0 {
			return 0, nil
		}
	}
}

// Bytes materialises the remaining content, subject to the configured part
// size limit.
func (p *Part) Bytes() ([]byte, error) {
	b, err := io.ReadAll(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read part content: %w", err)
	}
	return b, nil
}

// Text materialises the remaining content as a string. The bytes are
// returned as-is; multipart/form-data payloads are expected to be UTF-8.
func (p *Part) Text() (string, error) {
	b, err := p.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
