package xconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/xstream/xframe"
	"github.com/gordian-engine/xstream/xpubsub"
)

// Config controls an [Adapter].
type Config struct {
	// Upper bound on a frame payload, in both directions.
	// Outbound writes are split into frames of at most this size.
	MaxFrameSize uint32

	// Deadline for an outbound open,
	// from request through handshake acknowledgment.
	OpenTimeout time.Duration

	// Deadline for an inbound substream to deliver its upgrade token
	// and handshake proposal.
	HandshakeTimeout time.Duration

	// How often expired opens and handshakes are swept.
	SweepInterval time.Duration

	// Size of each substream's read buffer.
	ReadBufferSize int

	// Source of time for deadlines and the sweep ticker.
	// Tests substitute a mock.
	Clock clock.Clock

	// Optional unpublished node where the adapter begins publishing events.
	// A caller that needs every event from the adapter's start
	// holds this node before the adapter exists.
	Events *xpubsub.Stream[Event]
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: xframe.DefaultMaxFrameSize,

		OpenTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SweepInterval:    250 * time.Millisecond,

		ReadBufferSize: 16 * 1024,

		Clock: clock.New(),
	}
}

func (c Config) validate() {
	var err error

	if c.MaxFrameSize == 0 {
		err = errors.Join(err, errors.New("MaxFrameSize must be positive"))
	}
	if c.OpenTimeout <= 0 {
		err = errors.Join(err, fmt.Errorf("OpenTimeout must be positive (got %s)", c.OpenTimeout))
	}
	if c.HandshakeTimeout <= 0 {
		err = errors.Join(err, fmt.Errorf("HandshakeTimeout must be positive (got %s)", c.HandshakeTimeout))
	}
	if c.SweepInterval <= 0 {
		err = errors.Join(err, fmt.Errorf("SweepInterval must be positive (got %s)", c.SweepInterval))
	}
	if c.ReadBufferSize <= 0 {
		err = errors.Join(err, fmt.Errorf("ReadBufferSize must be positive (got %d)", c.ReadBufferSize))
	}
	if c.Clock == nil {
		err = errors.Join(err, errors.New("Clock must not be nil"))
	}
	if c.Events != nil && c.Events.Published() {
		err = errors.Join(err, errors.New("Events must be an unpublished node"))
	}

	if err != nil {
		panic(fmt.Errorf("invalid xconn.Config: %w", err))
	}
}
