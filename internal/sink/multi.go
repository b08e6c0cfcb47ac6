package sink

import (
	"context"
	"errors"

	"tweetstream/internal/message"
)

type multi []Sink

// Multi writes every message to each sink in order. Every sink is attempted;
// failures are joined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Write(ctx context.Context, msg message.Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
