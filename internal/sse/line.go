package sse

import (
	"bytes"
	"strings"
)

// Event is one server-sent event frame.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Kind returns the event name, "message" when the frame had none.
func (e Event) Kind() string {
	if e.Name == "" {
		return "message"
	}
	return e.Name
}

// parseLine applies one line of an event stream to ev and reports whether the
// line ended a frame. Comment lines and unknown fields are ignored.
func parseLine(line []byte, ev *Event) bool {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return true
	}
	if line[0] == ':' {
		return false
	}
	field, value, found := bytes.Cut(line, []byte(":"))
	if found {
		value = bytes.TrimPrefix(value, []byte(" "))
	}
	switch string(field) {
	case "event":
		ev.Name = strings.TrimSpace(string(value))
	case "id":
		ev.ID = string(value)
	case "data":
		if ev.Data == nil {
			ev.Data = []byte{}
		} else {
			ev.Data = append(ev.Data, '\n')
		}
		ev.Data = append(ev.Data, value...)
	}
	return false
}

// writeFrame renders ev in the wire format, splitting multi-line data.
func writeFrame(buf *bytes.Buffer, ev Event) {
	if ev.ID != "" {
		buf.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Name != "" {
		buf.WriteString("event: " + ev.Name + "\n")
	}
	for _, part := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(part)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}
