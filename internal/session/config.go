package session

import (
	"math"
	"time"

	"github.com/jaxxstorm/echoprobe/internal/metrics"
	"github.com/jaxxstorm/echoprobe/internal/socket"
	"go.uber.org/zap"
)

// Policy decides what an undecodable reply does to a running session.
type Policy int

const (
	// PolicyStrict marks the most recent outstanding probe BadResponse and stops.
	PolicyStrict Policy = iota
	// PolicySkip drops the reply and keeps waiting.
	PolicySkip
)

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "strict"
}

const (
	MinInterval        = 100 * time.Millisecond
	MaxInterval        = 60 * time.Second
	DefaultInterval    = time.Second
	DefaultPayloadSize = 64
	DefaultCount       = 1
	MaxCount           = math.MaxUint16
)

type Config struct {
	Interval time.Duration
	// PayloadSize is the full ICMP message size, header included.
	PayloadSize int
	Count       int
	// Timeout bounds the whole session. Zero disables the cutoff.
	Timeout time.Duration
	Policy  Policy
	// TTL and Privileged configure the default dialer and are ignored when
	// Dialer is set.
	TTL        int
	Privileged bool
	Logger     *zap.Logger
	Dialer     socket.Dialer
	Metrics    *metrics.Recorder
}

func (c Config) normalize() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.Interval > MaxInterval {
		c.Interval = MaxInterval
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.Count > MaxCount {
		c.Count = MaxCount
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dialer == nil {
		c.Dialer = socket.NewDialer(socket.Options{
			Privileged: c.Privileged,
			TTL:        c.TTL,
			Logger:     c.Logger,
		})
	}
	return c
}
