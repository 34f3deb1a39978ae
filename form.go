package partstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"

	"github.com/lennerd/partstream/internal/pending"
)

// Parse consumes the whole multipart body from r. Parts with a registered
// hook stream into the hook; everything else is collected and readable
// through FormValue and FormValues afterwards.
func (p *Parser) Parse(r io.Reader) error {
	return p.ParseContext(context.Background(), r)
}

// ParseContext is Parse with a context; cancellation aborts the parse.
func (p *Parser) ParseContext(ctx context.Context, r io.Reader) error {
	sp := &spool{limit: p.maxMemFileSize}
	hooks := pending.NewSet[string](sp.hold)
	for name, hook := range p.hookMap {
		fn := hook.fn
		hooks.Add(name,
			func(lp *liveHookPart) error {
				return fn(lp.r, lp.h)
			},
			func(hp *heldPart) error {
				defer hp.content.Close()
				return fn(hp.content, hp.header)
			},
			hook.after...)
	}

	err := p.run(p.StreamContext(ctx, r), hooks)
	return errors.Join(err, sp.Close())
}

// hookSet is the seam between the part loop and the hook bookkeeping.
type hookSet interface {
	Offer(name string, payload *liveHookPart) (pending.Disposition, error)
	Mark(name string) error
}

func (p *Parser) run(st *Stream, hooks hookSet) error {
	for {
		part, err := st.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}

		name := part.FormName()
		disp, err := hooks.Offer(name, &liveHookPart{r: part, h: part.Header()})
		if err != nil {
			return err
		}
		if disp == pending.NoHook {
			content, err := part.Bytes()
			if err != nil {
				return err
			}
			p.values[name] = append(p.values[name], Value{
				content: content,
				header:  part.Header(),
			})
		}

		if err := hooks.Mark(name); err != nil {
			return err
		}
	}
}

// liveHookPart is a hook payload still backed by the stream.
type liveHookPart struct {
	r io.Reader
	h Header
}

// heldPart is a hook payload captured off the stream, in memory or in the
// shared temp file.
type heldPart struct {
	content io.ReadCloser
	header  Header
}

// spool captures deferred hook payloads: in pooled memory while the budget
// lasts, then appended to one shared temp file.
type spool struct {
	limit  DataSize
	used   DataSize
	offset int64
	file   *os.File
}

func (sp *spool) hold(lp *liveHookPart) (*heldPart, error) {
	buf := bytebufferpool.Get()

	memLimit := sp.limit - sp.used
	n, err := io.CopyN(buf, lp.r, int64(memLimit)+1)
	if err != nil && !errors.Is(err, io.EOF) {
		bytebufferpool.Put(buf)
		return nil, fmt.Errorf("failed to copy: %w", err)
	}

	var content io.ReadCloser
	if DataSize(n) > memLimit {
		if sp.file == nil {
			f, err := os.CreateTemp("", "partstream-")
			if err != nil {
				bytebufferpool.Put(buf)
				return nil, fmt.Errorf("failed to create temp file: %w", err)
			}
			sp.file = f
		}

		bufSize, err := buf.WriteTo(sp.file)
		if err != nil {
			bytebufferpool.Put(buf)
			return nil, fmt.Errorf("failed to write: %w", err)
		}

		remainSize, err := io.Copy(sp.file, lp.r)
		if err != nil {
			bytebufferpool.Put(buf)
			return nil, fmt.Errorf("failed to copy: %w", err)
		}

		size := bufSize + remainSize
		content = io.NopCloser(io.NewSectionReader(sp.file, sp.offset, size))
		sp.offset += size

		bytebufferpool.Put(buf)
	} else {
		size := DataSize(buf.Len())
		sp.used += size
		content = &pooledReader{
			Reader: bytes.NewReader(buf.B),
			sp:     sp,
			buf:    buf,
			size:   size,
		}
	}

	return &heldPart{
		content: content,
		header:  lp.h,
	}, nil
}

func (sp *spool) Close() error {
	if sp.file == nil {
		return nil
	}

	closeErr := sp.file.Close()
	removeErr := os.Remove(sp.file.Name())
	return errors.Join(closeErr, removeErr)
}

// pooledReader returns its backing buffer to the pool and releases its
// share of the memory budget when closed.
type pooledReader struct {
	*bytes.Reader
	sp   *spool
	buf  *bytebufferpool.ByteBuffer
	size DataSize
}

func (r *pooledReader) Close() error {
	r.sp.used -= r.size
	bytebufferpool.Put(r.buf)
	return nil
}
