package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

type statusRule struct {
	lo, hi int
	ok     bool
	kind   Kind
	cause  error
}

// statusRules is searched in order; a status matching no rule is fatal.
var statusRules = []statusRule{
	{lo: 200, hi: 299, ok: true},
	{lo: 401, hi: 401, kind: KindFatal, cause: ErrUnauthorized},
	{lo: 403, hi: 403, kind: KindFatal, cause: ErrForbidden},
	{lo: 420, hi: 420, kind: KindRateLimit, cause: ErrRateLimited},
	{lo: 429, hi: 429, kind: KindRateLimit, cause: ErrRateLimited},
	{lo: 500, hi: 599, kind: KindServer, cause: ErrServerFailure},
}

// ClassifyStatus maps an HTTP status to nil (stream may proceed) or the
// classified error for it.
func ClassifyStatus(code int) *Error {
	for _, rule := range statusRules {
		if code < rule.lo || code > rule.hi {
			continue
		}
		if rule.ok {
			return nil
		}
		return &Error{Kind: rule.kind, Status: code, Op: "connect", Err: rule.cause}
	}
	return &Error{Kind: KindFatal, Status: code, Op: "connect", Err: ErrUnexpectedCode}
}

// ResponseReader gates body bytes on the response status. The head is
// classified exactly once; body chunks reach the tokenizer only after a
// successful head.
type ResponseReader struct {
	tok      *Tokenizer
	headSeen bool
	headErr  *Error
}

func NewResponseReader(tok *Tokenizer) *ResponseReader {
	if tok == nil {
		tok = NewTokenizer(DefaultDelimiter)
	}
	return &ResponseReader{tok: tok}
}

// Head records the status line and headers. Later calls return the first
// verdict unchanged.
func (r *ResponseReader) Head(status int, _ http.Header) error {
	if !r.headSeen {
		r.headSeen = true
		r.headErr = ClassifyStatus(status)
	}
	if r.headErr != nil {
		return r.headErr
	}
	return nil
}

func (r *ResponseReader) Accepted() bool { return r.headSeen && r.headErr == nil }

// Feed forwards one raw body chunk to the tokenizer.
func (r *ResponseReader) Feed(chunk []byte) ([]Record, error) {
	if !r.Accepted() {
		return nil, ErrNoHead
	}
	return r.tok.Extract(chunk), nil
}

func (r *ResponseReader) Buffered() int { return r.tok.Buffered() }

// AcceptEncoding is the value sent when compressed feeds are wanted.
const AcceptEncoding = "gzip, br"

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeBody wraps body according to Content-Encoding. Closing the returned
// reader closes body.
func DecodeBody(header http.Header, body io.ReadCloser) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		return decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "br":
		return decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedEncoding, enc)
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
