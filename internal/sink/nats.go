package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tweetstream/internal/config"
	"tweetstream/internal/message"
)

const DefaultSubjectPrefix = "tweetstream"

var ErrNotConnected = errors.New("sink: not connected to NATS")

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
}

// NATS publishes each message to <prefix>.<kind>; for_user messages go to
// <prefix>.for_user.<user id>.
type NATS struct {
	pub    Publisher
	prefix string
	owned  interface{ Close() }
	now    func() time.Time
}

func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: strings.TrimSuffix(prefix, "."), now: time.Now}
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, name, prefix string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = config.Logger
	}
	log := logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats error", "error", err)
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	log.Info("nats connected", "url", conn.ConnectedUrl())
	s := NewNATS(conn, prefix)
	s.owned = conn
	return s, nil
}

func (s *NATS) Subject(msg message.Message) string {
	if fu, ok := msg.(*message.ForUser); ok {
		return fmt.Sprintf("%s.%s.%d", s.prefix, msg.Kind(), fu.UserID)
	}
	return s.prefix + "." + string(msg.Kind())
}

func (s *NATS) Write(_ context.Context, msg message.Message) error {
	if !s.pub.IsConnected() {
		return ErrNotConnected
	}
	data, err := Encode(msg, s.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return s.pub.Publish(s.Subject(msg), data)
}

// Close flushes pending publishes while connected and always closes the
// connection if the sink opened it.
func (s *NATS) Close() error {
	var err error
	if s.pub.IsConnected() {
		err = s.pub.FlushTimeout(5 * time.Second)
	}
	if s.owned != nil {
		s.owned.Close()
	}
	return err
}
