package stream

import (
	"time"

	"tweetstream/internal/config"
)

// Schedule is one delay curve. Factor > 1 grows the delay geometrically;
// otherwise Step is added per attempt. Delays never exceed Max.
type Schedule struct {
	Initial time.Duration
	Step    time.Duration
	Factor  float64
	Max     time.Duration
}

func ScheduleFrom(s config.Schedule) Schedule {
	return Schedule{Initial: s.Initial, Step: s.Step, Factor: s.Factor, Max: s.Max}
}

// delay returns the wait before the attempt-th reconnect (attempt >= 1).
func (s Schedule) delay(attempt int) time.Duration {
	d := s.Initial
	for i := 1; i < attempt && d < s.Max; i++ {
		if s.Factor > 1 {
			next := float64(d) * s.Factor
			if next > float64(s.Max) {
				return s.Max
			}
			d = time.Duration(next)
		} else {
			d += s.Step
		}
	}
	if s.Max > 0 && d > s.Max {
		return s.Max
	}
	return d
}

// BackoffState is a snapshot of the policy after the last Next.
type BackoffState struct {
	Class   Kind
	Delay   time.Duration
	Max     time.Duration
	Attempt int
}

// Backoff tracks reconnect delays per failure class. Only the connection
// manager mutates it.
type Backoff struct {
	schedules map[Kind]Schedule
	attempts  map[Kind]int
	total     int
	last      BackoffState
}

func NewBackoff(network, rateLimit, server Schedule) *Backoff {
	return &Backoff{
		schedules: map[Kind]Schedule{
			KindTransport: network,
			KindRateLimit: rateLimit,
			KindServer:    server,
		},
		attempts: make(map[Kind]int, 3),
	}
}

func BackoffFrom(c config.Backoff) *Backoff {
	return NewBackoff(ScheduleFrom(c.Network), ScheduleFrom(c.RateLimit), ScheduleFrom(c.Server))
}

func DefaultBackoff() *Backoff {
	return BackoffFrom(config.DefaultBackoff())
}

// Next counts one more failure of class k and returns the delay to wait
// before reconnecting. Non-retryable kinds use the network schedule.
func (b *Backoff) Next(k Kind) time.Duration {
	if _, ok := b.schedules[k]; !ok {
		k = KindTransport
	}
	b.attempts[k]++
	b.total++
	s := b.schedules[k]
	d := s.delay(b.attempts[k])
	b.last = BackoffState{Class: k, Delay: d, Max: s.Max, Attempt: b.attempts[k]}
	return d
}

// Reset returns every class to its initial delay.
func (b *Backoff) Reset() {
	clear(b.attempts)
	b.total = 0
	b.last = BackoffState{}
}

// Failures is the number of consecutive failed attempts since the last
// Reset, across classes.
func (b *Backoff) Failures() int { return b.total }

func (b *Backoff) State() BackoffState { return b.last }
