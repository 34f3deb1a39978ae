// Package partstream parses multipart/form-data bodies as a stream. Parts
// are yielded one at a time, with their payloads readable before the rest of
// the body has arrived, so arbitrarily large uploads can be handled with
// bounded memory.
package partstream

import (
	"mime"
	"net/textproto"
	"net/url"
	"strings"
)

type Parser struct {
	boundary string
	values   map[string][]Value
	hookMap  map[string]streamHook
	parserConfig
}

// NewParser returns a parser for a body delimited by boundary. The boundary
// is the bare parameter value, without the leading dashes.
func NewParser(boundary string, options ...ParserOption) *Parser {
	c := parserConfig{
		initialBufferSize: defaultInitialBufferSize,
		maxHeaderSize:     defaultMaxHeaderSize,
		maxFileSize:       defaultMaxFileSize,
		maxParts:          defaultMaxParts,
		maxMemFileSize:    defaultMaxMemFileSize,
	}
	for _, opt := range options {
		opt(&c)
	}

	return &Parser{
		boundary:     boundary,
		values:       make(map[string][]Value),
		hookMap:      make(map[string]streamHook),
		parserConfig: c,
	}
}

type parserConfig struct {
	initialBufferSize DataSize
	maxHeaderSize     DataSize
	maxFileSize       DataSize
	maxParts          uint
	maxMemFileSize    DataSize
}

type ParserOption func(*parserConfig)

type DataSize int64

const (
	_ DataSize = 1 << (iota * 10)
	KB
	MB
	GB
)

const (
	defaultInitialBufferSize = 16 * KB
	defaultMaxHeaderSize     = 8 * KB
	defaultMaxFileSize       = 10 * MB
	defaultMaxParts          = 10000
	defaultMaxMemFileSize    = 32 * MB
)

// WithInitialBufferSize sets the starting capacity of the scan buffer. The
// buffer grows by doubling whenever the bytes in flight do not fit.
// default: 16KB
func WithInitialBufferSize(size DataSize) ParserOption {
	return func(c *parserConfig) {
		if size > 0 {
			c.initialBufferSize = size
		}
	}
}

// WithMaxHeaderSize sets the maximum size of a single part's header block.
// default: 8KB
func WithMaxHeaderSize(size DataSize) ParserOption {
	return func(c *parserConfig) {
		c.maxHeaderSize = size
	}
}

// WithMaxFileSize sets the maximum size of a single part's body.
// default: 10MB
func WithMaxFileSize(size DataSize) ParserOption {
	return func(c *parserConfig) {
		c.maxFileSize = size
	}
}

// WithMaxParts sets the maximum number of parts to be parsed.
// default: 10000
func WithMaxParts(maxParts uint) ParserOption {
	return func(c *parserConfig) {
		c.maxParts = maxParts
	}
}

// WithMaxMemFileSize sets the maximum memory used to hold back a hook part
// whose required parts have not arrived yet; anything larger is spooled to a
// temporary file. Only Parse uses this.
// default: 32MB
func WithMaxMemFileSize(size DataSize) ParserOption {
	return func(c *parserConfig) {
		c.maxMemFileSize = size
	}
}

// Header carries one part's decoded headers.
type Header struct {
	dispositionParams map[string]string
	header            textproto.MIMEHeader
}

func newHeader(h textproto.MIMEHeader) Header {
	contentDisposition := h.Get("Content-Disposition")
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		params = make(map[string]string)
	}

	return Header{
		dispositionParams: params,
		header:            h,
	}
}

// Get returns the first value associated with the given key.
// If there are no values associated with the key, Get returns "".
func (h Header) Get(key string) string {
	return h.header.Get(key)
}

// Values returns all values associated with the given key. Header names are
// matched case-insensitively.
func (h Header) Values(key string) []string {
	return h.header.Values(key)
}

// ContentType returns the value of the "Content-Type" header field.
// If there are no values associated with the key, ContentType returns "".
func (h Header) ContentType() string {
	return h.header.Get("Content-Type")
}

// MediaType returns the media type of the "Content-Type" header field with
// its parameters stripped. If the header is absent or malformed, MediaType
// returns "".
func (h Header) MediaType() string {
	ct := h.header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	d, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return d
}

// Name returns the value of the "name" parameter in the "Content-Disposition" header field.
// If there are no values associated with the key, Name returns "".
func (h Header) Name() string {
	return h.dispositionParams["name"]
}

// FileName returns the value of the "filename" parameter in the "Content-Disposition" header field.
// If there are no values associated with the key, FileName returns "".
func (h Header) FileName() string {
	return h.dispositionParams["filename"]
}

// FileNameSplat returns the decoded value of the extended "filename*"
// parameter of the "Content-Disposition" header field, or "" when the part
// did not supply one.
func (h Header) FileNameSplat() string {
	return extendedParam(h.header.Get("Content-Disposition"), "filename*")
}

// extendedParam pulls an RFC 5987 ext-value parameter out of a raw header
// value. Only the UTF-8 charset is decoded; other charsets are returned
// percent-decoded as-is.
func extendedParam(raw, key string) string {
	for _, seg := range strings.Split(raw, ";") {
		seg = strings.TrimSpace(seg)
		k, v, ok := strings.Cut(seg, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), key) {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		// charset'language'value
		if i := strings.Index(v, "''"); i >= 0 {
			v = v[i+2:]
		}
		if dec, err := url.PathUnescape(v); err == nil {
			return dec
		}
		return v
	}
	return ""
}
