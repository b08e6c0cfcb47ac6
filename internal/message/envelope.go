package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Envelope is one decoded record. Numbers are json.Number so 64-bit ids
// survive decoding.
type Envelope map[string]any

var (
	ErrEmptyRecord = errors.New("empty record")
	ErrNotObject   = errors.New("record is not a JSON object")
)

// Decode parses one record into an Envelope. Any failure means the record is
// discarded whole.
func Decode(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyRecord
	}
	if raw[0] != '{' {
		return nil, ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	env := Envelope{}
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode record: trailing data after object")
	}
	return env, nil
}

// Map returns the nested object under key.
func (e Envelope) Map(key string) (Envelope, bool) {
	m, ok := e[key].(map[string]any)
	return Envelope(m), ok
}

func (e Envelope) Has(key string) bool {
	_, ok := e[key]
	return ok
}

func asEnvelope(v any) (Envelope, bool) {
	m, ok := v.(map[string]any)
	return Envelope(m), ok
}
