// Package http adapts a net/http request into a partstream parser.
package http

import (
	"net/http"

	"github.com/lennerd/partstream"
)

type Parser struct {
	*partstream.Parser
	req *http.Request
}

// NewParser resolves the multipart boundary from the request headers and
// returns a parser over the request body. It fails with
// partstream.ErrInvalidContentType or partstream.ErrMissingBoundary when the
// request does not carry a usable multipart/form-data Content-Type.
func NewParser(req *http.Request, options ...partstream.ParserOption) (*Parser, error) {
	boundary, err := partstream.ResolveBoundary(req.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	return &Parser{
		Parser: partstream.NewParser(boundary, options...),
		req:    req,
	}, nil
}

// Parse consumes the whole body, running registered hooks and collecting
// values. The request context aborts the parse when the client goes away.
func (p *Parser) Parse() error {
	return p.Parser.ParseContext(p.req.Context(), p.req.Body)
}

// Stream returns the request body as a lazy sequence of parts.
func (p *Parser) Stream() *partstream.Stream {
	return p.Parser.StreamContext(p.req.Context(), p.req.Body)
}
