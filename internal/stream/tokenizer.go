package stream

import "bytes"

// DefaultDelimiter terminates every record on the wire.
const DefaultDelimiter = "\r\n"

// Record is one delimiter-terminated token with the delimiter stripped. An
// empty Record is a keep-alive.
type Record []byte

func (r Record) String() string { return string(r) }

// Blank reports whether the record carries nothing but whitespace.
func (r Record) Blank() bool { return len(bytes.TrimSpace(r)) == 0 }

// Tokenizer splits a byte stream into records, holding an unterminated tail
// between calls. It is not safe for concurrent use.
type Tokenizer struct {
	delim []byte
	buf   []byte
}

func NewTokenizer(delim string) *Tokenizer {
	if delim == "" {
		delim = DefaultDelimiter
	}
	return &Tokenizer{delim: []byte(delim)}
}

// Extract appends chunk to the pending tail and returns every record that is
// now complete, in arrival order. Returned records do not alias chunk or the
// internal buffer.
func (t *Tokenizer) Extract(chunk []byte) []Record {
	if len(chunk) == 0 && len(t.buf) == 0 {
		return nil
	}
	t.buf = append(t.buf, chunk...)

	var out []Record
	start := 0
	for {
		i := bytes.Index(t.buf[start:], t.delim)
		if i < 0 {
			break
		}
		rec := make(Record, i)
		copy(rec, t.buf[start:start+i])
		out = append(out, rec)
		start += i + len(t.delim)
	}
	if start > 0 {
		n := copy(t.buf, t.buf[start:])
		t.buf = t.buf[:n]
	}
	return out
}

// Buffered is the size of the unterminated tail.
func (t *Tokenizer) Buffered() int { return len(t.buf) }

// Reset drops the unterminated tail.
func (t *Tokenizer) Reset() { t.buf = t.buf[:0] }
