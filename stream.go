package partstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/lennerd/partstream/internal/ringbuf"
)

// ChunkSource produces the body as a lazy sequence of byte chunks. Next
// returns io.EOF once the body is exhausted; the returned slice is only
// valid until the next call.
type ChunkSource interface {
	Next() ([]byte, error)
}

const readChunkSize = 32 * KB

type readerSource struct {
	r   io.Reader
	buf []byte
}

func (s *readerSource) Next() ([]byte, error) {
	if s.buf == nil {
		s.buf = make([]byte, readChunkSize)
	}
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

type streamState int

const (
	statePreamble streamState = iota
	statePartHeaders
	statePartBody
	stateEpilogue
	stateDone
	stateFailed
)

// Stream yields the parts of one multipart body in order. It owns the scan
// buffer and the single reader handle on the body; the current part's
// content view reads through it.
type Stream struct {
	ctx context.Context
	src ChunkSource
	bnd *boundary
	cfg parserConfig

	ring  *ringbuf.Buffer
	state streamState
	cur   *Part
	parts uint
	eof   bool
	err   error
}

// Stream returns a lazy sequence of the parts of r. Call NextPart to
// advance; the previous part's unread content is skipped automatically.
func (p *Parser) Stream(r io.Reader) *Stream {
	return p.StreamChunks(&readerSource{r: r})
}

// StreamContext is Stream with a context. When ctx is canceled the stream
// fails and all in-flight part reads report the cancellation.
func (p *Parser) StreamContext(ctx context.Context, r io.Reader) *Stream {
	s := p.StreamChunks(&readerSource{r: r})
	s.ctx = ctx
	return s
}

// StreamChunks returns a lazy sequence of parts read from an arbitrary
// chunk source.
func (p *Parser) StreamChunks(src ChunkSource) *Stream {
	return &Stream{
		src:  src,
		bnd:  newBoundary(p.boundary),
		cfg:  p.parserConfig,
		ring: ringbuf.New(int(p.initialBufferSize)),
	}
}

// NextPart returns the next part of the body. It returns io.EOF after the
// closing boundary. Parse errors are terminal: every subsequent call
// returns the same error.
func (s *Stream) NextPart() (*Part, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.cur != nil {
		if err := s.closeCurrent(); err != nil {
			return nil, s.fail(err)
		}
	}
	for {
		switch s.state {
		case statePreamble:
			if err := s.consumePreamble(); err != nil {
				return nil, s.fail(err)
			}
		case statePartHeaders:
			part, err := s.openPart()
			if err != nil {
				return nil, s.fail(err)
			}
			return part, nil
		case stateEpilogue:
			if err := s.drainEpilogue(); err != nil {
				return nil, s.fail(err)
			}
		case stateDone:
			return nil, io.EOF
		default:
			return nil, s.fail(fmt.Errorf("unexpected parser state: %d", s.state))
		}
	}
}

func (s *Stream) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.state = stateFailed
	}
	return s.err
}

// fill appends the next chunk of the body to the scan buffer, observing
// cancellation first. At the end of the body it sets eof instead of
// returning an error.
func (s *Stream) fill() error {
	if s.eof {
		return nil
	}
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}
	chunk, err := s.src.Next()
	if len(chunk) > 0 {
		_, _ = s.ring.Write(chunk)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil
		}
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	return nil
}

// ensure fills until at least n unread bytes are buffered. It returns
// ErrUnexpectedEOF if the body ends first.
func (s *Stream) ensure(n int) error {
	for s.ring.Len() < n {
		if s.eof {
			return ErrUnexpectedEOF
		}
		if err := s.fill(); err != nil {
			return err
		}
	}
	return nil
}

// consumeDelimiterEnd inspects the two bytes after a boundary delimiter and
// moves to the next state. CRLF opens a header block (the CRLF is left in
// the buffer, where the header scan expects it); "--" closes the body.
func (s *Stream) consumeDelimiterEnd() error {
	if err := s.ensure(2); err != nil {
		return err
	}
	b0, b1 := s.ring.Byte(0), s.ring.Byte(1)
	switch {
	case b0 == '\r' && b1 == '\n':
		s.state = statePartHeaders
	case b0 == '-' && b1 == '-':
		s.ring.Advance(2)
		s.state = stateEpilogue
	default:
		return ErrMalformedBoundary
	}
	return nil
}

// delimiterEnd reports whether the two bytes are a valid delimiter ending:
// CRLF before a header block, or the "--" of the closing boundary.
func delimiterEnd(b0, b1 byte) bool {
	return (b0 == '\r' && b1 == '\n') || (b0 == '-' && b1 == '-')
}

// consumePreamble discards everything before the opening boundary. The
// boundary may sit at the very start of the body with no preceding CRLF, or
// terminate an arbitrary preamble. A boundary-looking line with an invalid
// ending is preamble data, not an error.
func (s *Stream) consumePreamble() error {
	start := len(s.bnd.start)
	mid := len(s.bnd.mid)
	checkedStart := false
	for {
		if !checkedStart && s.ring.Len() >= start+2 {
			// Enough buffered to decide whether the body opens with the
			// boundary directly.
			checkedStart = true
			if s.ring.HasPrefix(s.bnd.start) && delimiterEnd(s.ring.Byte(start), s.ring.Byte(start+1)) {
				s.ring.Advance(start)
				return s.consumeDelimiterEnd()
			}
		}
		if i := s.ring.Index(s.bnd.search, 0); i >= 0 {
			if s.ring.Len() < i+mid+2 {
				if s.eof {
					return ErrUnexpectedEOF
				}
				if err := s.fill(); err != nil {
					return err
				}
				continue
			}
			if delimiterEnd(s.ring.Byte(i+mid), s.ring.Byte(i+mid+1)) {
				s.ring.Advance(i + mid)
				return s.consumeDelimiterEnd()
			}
			s.ring.Advance(i + 2)
			continue
		}
		if s.eof {
			return ErrUnexpectedEOF
		}
		// Drop preamble bytes that can no longer begin a delimiter.
		if checkedStart && s.ring.Len() > mid-1 {
			s.ring.Advance(s.ring.Len() - (mid - 1))
		}
		if err := s.fill(); err != nil {
			return err
		}
	}
}

var headerEnd = ringbuf.NewSearcher([]byte("\r\n\r\n"))

// openPart scans the header block of the next part and emits it. On entry
// the buffer starts at the CRLF that ended the boundary line, so the block
// terminator to find is CRLF CRLF; a part without headers is the degenerate
// match at offset 0.
func (s *Stream) openPart() (*Part, error) {
	if s.parts >= s.cfg.maxParts {
		return nil, ErrTooManyParts
	}
	s.parts++

	limit := int(s.cfg.maxHeaderSize)
	var i int
	for {
		i = s.ring.Index(headerEnd, 0)
		if i >= 0 {
			break
		}
		if s.ring.Len()-3 > limit+2 {
			return nil, ErrHeaderTooLarge
		}
		if s.eof {
			return nil, ErrUnexpectedEOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	// i+2 spans the block from after the leading CRLF through the
	// terminator.
	if i+2 > limit {
		return nil, ErrHeaderTooLarge
	}

	var block []byte
	if i >= 2 {
		block = s.ring.Take(i + 4)[2 : i+2]
	} else {
		s.ring.Advance(i + 4)
	}

	part := &Part{
		header: newHeader(parseHeaderBlock(block)),
		stream: s,
	}
	s.cur = part
	s.state = statePartBody
	return part, nil
}

// parseHeaderBlock splits a CRLF-separated header block into a MIME header.
// Lines without a colon are dropped.
func parseHeaderBlock(block []byte) textproto.MIMEHeader {
	header := make(textproto.MIMEHeader)
	for _, line := range bytes.Split(block, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(line[:colon])))
		val := strings.TrimSpace(string(line[colon+1:]))
		header.Add(key, val)
	}
	return header
}

// scanBody reports how many bytes of the current part's body are known to be
// content, and whether the terminating delimiter has been located at that
// offset. It pulls chunks until it can report progress.
func (s *Stream) scanBody() (avail int, found bool, err error) {
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			return 0, false, err
		}
	}
	hold := s.bnd.search.Len() - 1
	for {
		if i := s.ring.Index(s.bnd.search, 0); i >= 0 {
			return i, true, nil
		}
		if s.eof {
			return 0, false, ErrUnexpectedEOF
		}
		// Without a delimiter in sight, everything except a possible
		// delimiter prefix at the tail is content.
		if n := s.ring.Len() - hold; n > 0 {
			return n, false, nil
		}
		if err := s.fill(); err != nil {
			return 0, false, err
		}
	}
}

// finishPart consumes the delimiter that terminated the current part's body
// and leaves the stream at the next header block or the epilogue.
func (s *Stream) finishPart(p *Part) error {
	s.ring.Advance(s.bnd.search.Len())
	p.done = true
	return s.consumeDelimiterEnd()
}

// deliver hands the current part up to len(dst) content bytes, enforcing
// the per-part size limit. n == 0 with a nil error means the part's body is
// complete.
func (s *Stream) deliver(p *Part, dst []byte) (int, error) {
	avail, found, err := s.scanBody()
	if err != nil {
		return 0, s.fail(err)
	}
	if found && avail == 0 {
		if err := s.finishPart(p); err != nil {
			return 0, s.fail(err)
		}
		return 0, nil
	}
	n := len(dst)
	if n > avail {
		n = avail
	}
	if DataSize(p.consumed)+DataSize(n) > s.cfg.maxFileSize {
		return 0, s.fail(ErrFileTooLarge)
	}
	s.ring.Consume(dst[:n])
	p.consumed += int64(n)
	return n, nil
}

// closeCurrent detaches the current part, skipping whatever content the
// consumer left unread. The skipped bytes still count against the size
// limit.
func (s *Stream) closeCurrent() error {
	p := s.cur
	s.cur = nil
	p.detached = !p.done
	for !p.done {
		avail, found, err := s.scanBody()
		if err != nil {
			return err
		}
		if found && avail == 0 {
			return s.finishPart(p)
		}
		if DataSize(p.consumed)+DataSize(avail) > s.cfg.maxFileSize {
			return ErrFileTooLarge
		}
		s.ring.Advance(avail)
		p.consumed += int64(avail)
	}
	return nil
}

// drainEpilogue discards everything after the closing boundary.
func (s *Stream) drainEpilogue() error {
	for !s.eof {
		s.ring.Advance(s.ring.Len())
		if err := s.fill(); err != nil {
			return err
		}
	}
	s.ring.Advance(s.ring.Len())
	s.state = stateDone
	return nil
}
