// Package sink forwards stream messages to somewhere outside the process:
// a JSON-lines writer or NATS subjects.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tweetstream/internal/client"
	"tweetstream/internal/config"
	"tweetstream/internal/message"
)

type Sink interface {
	Write(ctx context.Context, msg message.Message) error
	Close() error
}

// Record is the serialized form of one message.
type Record struct {
	Kind       message.Kind `json:"kind"`
	ReceivedAt time.Time    `json:"received_at"`
	Payload    any          `json:"payload"`
}

func Encode(msg message.Message, at time.Time) ([]byte, error) {
	return json.Marshal(Record{Kind: msg.Kind(), ReceivedAt: at.UTC(), Payload: payloadOf(msg)})
}

// payloadOf prefers the envelope as received so nothing the parser ignored
// is lost.
func payloadOf(msg message.Message) any {
	switch m := msg.(type) {
	case *message.Tweet:
		return m.Raw
	case *message.DirectMessage:
		return m.Raw
	case *message.Event:
		return m.Raw
	case *message.User:
		return m.Raw
	case *message.List:
		return m.Raw
	case *message.Control:
		return m.Raw
	case *message.ForUser:
		var inner any
		if m.Message != nil {
			inner = payloadOf(m.Message)
		}
		return map[string]any{"for_user": m.UserID, "message": inner}
	default:
		return m
	}
}

// Handler adapts s to a stream handler. Write failures are logged and the
// stream keeps running.
func Handler(ctx context.Context, s Sink, logger *slog.Logger) client.Handler {
	if logger == nil {
		logger = config.Logger
	}
	return client.HandlerFunc(func(msg message.Message) {
		if err := s.Write(ctx, msg); err != nil {
			logger.Warn("sink write failed", "kind", msg.Kind(), "error", err)
		}
	})
}
