package partstream

import (
	"mime"
	"strings"

	"github.com/lennerd/partstream/internal/ringbuf"
)

// ResolveBoundary extracts the boundary parameter from a Content-Type header
// value. The media type must be multipart/form-data (case-insensitive).
func ResolveBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", ErrInvalidContentType
	}
	d, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.EqualFold(d, "multipart/form-data") {
		return "", ErrInvalidContentType
	}
	b, ok := params["boundary"]
	if !ok || b == "" {
		return "", ErrMissingBoundary
	}
	return b, nil
}

// boundary holds the delimiter byte sequences derived from the declared
// boundary parameter. mid separates parts inside the body; start is the
// form that may open the body with no preceding CRLF.
type boundary struct {
	start  []byte
	mid    []byte
	search *ringbuf.Searcher
}

func newBoundary(b string) *boundary {
	mid := []byte("\r\n--" + b)
	return &boundary{
		start:  mid[2:],
		mid:    mid,
		search: ringbuf.NewSearcher(mid),
	}
}
