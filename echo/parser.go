// Package echoform adapts an echo request into a partstream parser.
package echoform

import (
	"github.com/labstack/echo/v4"

	"github.com/lennerd/partstream"
)

type Parser struct {
	*partstream.Parser
	c echo.Context
}

// NewParser resolves the multipart boundary from the request headers and
// returns a parser over the request body.
func NewParser(c echo.Context, options ...partstream.ParserOption) (*Parser, error) {
	boundary, err := partstream.ResolveBoundary(c.Request().Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	return &Parser{
		Parser: partstream.NewParser(boundary, options...),
		c:      c,
	}, nil
}

// Parse consumes the whole body, running registered hooks and collecting
// values.
func (p *Parser) Parse() error {
	return p.Parser.ParseContext(p.c.Request().Context(), p.c.Request().Body)
}

// Stream returns the request body as a lazy sequence of parts.
func (p *Parser) Stream() *partstream.Stream {
	return p.Parser.StreamContext(p.c.Request().Context(), p.c.Request().Body)
}
