package partstream

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/lennerd/partstream/internal/pending"
)

var errTest = errors.New("test error")

// fakeHookSet records routing decisions and drains offered parts.
type fakeHookSet struct {
	hooks    map[string]bool
	contents map[string]string
	marked   []string
	offerErr error
	markErr  error
}

func (f *fakeHookSet) Offer(name string, lp *liveHookPart) (pending.Disposition, error) {
	if !f.hooks[name] {
		return pending.NoHook, nil
	}
	if f.offerErr != nil {
		return pending.Ran, f.offerErr
	}
	b, err := io.ReadAll(lp.r)
	if err != nil {
		return pending.Ran, err
	}
	if f.contents == nil {
		f.contents = make(map[string]string)
	}
	f.contents[name] = string(b)
	return pending.Ran, nil
}

func (f *fakeHookSet) Mark(name string) error {
	f.marked = append(f.marked, name)
	return f.markErr
}

func TestParser_run(t *testing.T) {
	t.Parallel()

	valueBody := "--boundary\r\n" +
		"Content-Disposition: form-data; name=\"field1\"\r\n" +
		"\r\n" +
		"field1Value\r\n" +
		"--boundary--\r\n"
	streamBody := "--boundary\r\n" +
		"Content-Disposition: form-data; name=\"stream1\"; filename=\"test.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"stream1Value\r\n" +
		"--boundary--\r\n"
	mixedBody := "--boundary\r\n" +
		"Content-Disposition: form-data; name=\"field1\"\r\n" +
		"\r\n" +
		"field1Value\r\n" +
		"--boundary\r\n" +
		"Content-Disposition: form-data; name=\"stream1\"; filename=\"test.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"stream1Value\r\n" +
		"--boundary--\r\n"

	cases := []struct {
		name         string
		body         string
		hooks        *fakeHookSet
		values       map[string]string
		hookContents map[string]string
		marked       []string
		err          error
	}{
		{
			name:   "value only",
			body:   valueBody,
			hooks:  &fakeHookSet{hooks: map[string]bool{}},
			values: map[string]string{"field1": "field1Value"},
			marked: []string{"field1"},
		},
		{
			name:         "stream only",
			body:         streamBody,
			hooks:        &fakeHookSet{hooks: map[string]bool{"stream1": true}},
			values:       map[string]string{},
			hookContents: map[string]string{"stream1": "stream1Value"},
			marked:       []string{"stream1"},
		},
		{
			name:         "value and stream",
			body:         mixedBody,
			hooks:        &fakeHookSet{hooks: map[string]bool{"stream1": true}},
			values:       map[string]string{"field1": "field1Value"},
			hookContents: map[string]string{"stream1": "stream1Value"},
			marked:       []string{"field1", "stream1"},
		},
		{
			name:  "mark error",
			body:  valueBody,
			hooks: &fakeHookSet{hooks: map[string]bool{}, markErr: errTest},
			err:   errTest,
		},
		{
			name:  "offer error",
			body:  streamBody,
			hooks: &fakeHookSet{hooks: map[string]bool{"stream1": true}, offerErr: errTest},
			err:   errTest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			parser := NewParser("boundary")
			err := parser.run(parser.Stream(strings.NewReader(tc.body)), tc.hooks)
			if !errors.Is(err, tc.err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				return
			}

			for name, want := range tc.values {
				if got := parser.FormValue(name); got != want {
					t.Errorf("unexpected value %q: expected: %q, actual: %q", name, want, got)
				}
			}
			for name, want := range tc.hookContents {
				if got := tc.hooks.contents[name]; got != want {
					t.Errorf("unexpected hook content %q: expected: %q, actual: %q", name, want, got)
				}
			}
			if len(tc.hooks.marked) != len(tc.marked) {
				t.Fatalf("unexpected marked keys: %v", tc.hooks.marked)
			}
			for i := range tc.marked {
				if tc.hooks.marked[i] != tc.marked[i] {
					t.Errorf("unexpected marked key %d: expected: %q, actual: %q", i, tc.marked[i], tc.hooks.marked[i])
				}
			}
		})
	}
}

func deferredHookBody() string {
	// The stream part arrives before the field it requires.
	return "--boundary\r\n" +
		"Content-Disposition: form-data; name=\"stream\"; filename=\"file.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"large file contents\r\n" +
		"--boundary\r\n" +
		"Content-Disposition: form-data; name=\"field\"\r\n" +
		"\r\n" +
		"value\r\n" +
		"--boundary--\r\n"
}

func TestParse_DeferredHook(t *testing.T) {
	t.Parallel()

	cases := map[string][]ParserOption{
		"in memory": nil,
		// A tiny memory budget forces the deferred payload into the temp
		// file.
		"temp file": {WithMaxMemFileSize(1)},
	}

	for name, options := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			parser := NewParser("boundary", options...)

			var hookContent string
			var fieldAtHookTime string
			err := parser.Register("stream", func(r io.Reader, header Header) error {
				fieldAtHookTime = parser.FormValue("field")

				b, err := io.ReadAll(r)
				if err != nil {
					return err
				}
				hookContent = string(b)
				return nil
			}, After("field"))
			if err != nil {
				t.Fatalf("failed to register: %s", err)
			}

			if err := parser.Parse(strings.NewReader(deferredHookBody())); err != nil {
				t.Fatalf("failed to parse: %s", err)
			}

			if hookContent != "large file contents" {
				t.Errorf("unexpected hook content: %q", hookContent)
			}
			if fieldAtHookTime != "value" {
				t.Errorf("hook ran before its requirement: %q", fieldAtHookTime)
			}
		})
	}
}

func TestParse_HookError(t *testing.T) {
	t.Parallel()

	parser := NewParser("boundary")
	err := parser.Register("stream", func(io.Reader, Header) error {
		return errTest
	})
	if err != nil {
		t.Fatalf("failed to register: %s", err)
	}

	err = parser.Parse(strings.NewReader("--boundary\r\n" +
		"Content-Disposition: form-data; name=\"stream\"\r\n" +
		"\r\n" +
		"content\r\n" +
		"--boundary--"))
	if !errors.Is(err, errTest) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	t.Parallel()

	parser := NewParser("boundary")
	hook := func(io.Reader, Header) error { return nil }

	if err := parser.Register("stream", hook); err != nil {
		t.Fatalf("failed to register: %s", err)
	}

	if err := parser.Register("stream", hook); !errors.Is(err, ErrHookExists) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFormValues(t *testing.T) {
	t.Parallel()

	parser := NewParser("boundary")
	err := parser.Parse(strings.NewReader("--boundary\r\n" +
		"Content-Disposition: form-data; name=\"tag\"\r\n" +
		"\r\n" +
		"first\r\n" +
		"--boundary\r\n" +
		"Content-Disposition: form-data; name=\"tag\"\r\n" +
		"\r\n" +
		"second\r\n" +
		"--boundary--"))
	if err != nil {
		t.Fatalf("failed to parse: %s", err)
	}

	if got := parser.FormValue("tag"); got != "first" {
		t.Errorf("unexpected first value: %q", got)
	}
	if got := parser.FormValue("missing"); got != "" {
		t.Errorf("unexpected value: %q", got)
	}

	values := parser.FormValues("tag")
	if len(values) != 2 {
		t.Fatalf("unexpected value count: %d", len(values))
	}
	if values[1].Text() != "second" {
		t.Errorf("unexpected second value: %q", values[1].Text())
	}
	if got := values[0].Header().Name(); got != "tag" {
		t.Errorf("unexpected header name: %q", got)
	}
	if parser.FormValues("missing") != nil {
		t.Error("unexpected values for missing name")
	}
}

func TestParse_Streaming(t *testing.T) {
	t.Parallel()

	const fileSize = 8 * MB

	pr, pw := io.Pipe()
	eg := errgroup.Group{}
	eg.Go(func() error {
		defer pw.Close()

		mw := multipart.NewWriter(pw)
		defer mw.Close()

		if err := mw.SetBoundary("boundary"); err != nil {
			return err
		}
		if err := mw.WriteField("field", "value"); err != nil {
			return err
		}
		w, err := mw.CreateFormFile("stream", "file.bin")
		if err != nil {
			return err
		}
		_, err = io.Copy(w, io.LimitReader(repeatReader('a'), int64(fileSize)))
		return err
	})

	parser := NewParser("boundary")

	var streamed int64
	err := parser.Register("stream", func(r io.Reader, header Header) error {
		n, err := io.Copy(io.Discard, r)
		streamed = n
		return err
	}, After("field"))
	if err != nil {
		t.Fatalf("failed to register: %s", err)
	}

	if err := parser.Parse(pr); err != nil {
		t.Fatalf("failed to parse: %s", err)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("failed to write form: %s", err)
	}

	if streamed != int64(fileSize) {
		t.Errorf("unexpected streamed size: %d", streamed)
	}
	if value := parser.FormValue("field"); value != "value" {
		t.Errorf("unexpected field value: %q", value)
	}
}

type repeating byte

func repeatReader(b byte) io.Reader {
	return repeating(b)
}

func (r repeating) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func TestSpool_ReleasesBudget(t *testing.T) {
	t.Parallel()

	sp := &spool{limit: 16}
	defer sp.Close()

	held, err := sp.hold(&liveHookPart{r: bytes.NewReader([]byte("0123456789"))})
	if err != nil {
		t.Fatalf("failed to hold: %s", err)
	}
	if sp.used != 10 {
		t.Errorf("unexpected budget use: %d", sp.used)
	}

	b, err := io.ReadAll(held.content)
	if err != nil {
		t.Fatalf("failed to read held content: %s", err)
	}
	if string(b) != "0123456789" {
		t.Errorf("unexpected held content: %q", b)
	}

	if err := held.content.Close(); err != nil {
		t.Fatalf("failed to close held content: %s", err)
	}
	if sp.used != 0 {
		t.Errorf("budget not released: %d", sp.used)
	}
}
