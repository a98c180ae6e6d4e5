package xconn_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/gordian-engine/xstream/xquic/xquictest"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter_invalidConfig(t *testing.T) {
	t.Parallel()

	published := xpubsub.NewStream[xconn.Event]()
	published.Publish(nil)

	for name, mutate := range map[string]func(*xconn.Config){
		"zero max frame size": func(c *xconn.Config) { c.MaxFrameSize = 0 },
		"zero open timeout":   func(c *xconn.Config) { c.OpenTimeout = 0 },
		"negative handshake":  func(c *xconn.Config) { c.HandshakeTimeout = -1 },
		"zero sweep interval": func(c *xconn.Config) { c.SweepInterval = 0 },
		"zero read buffer":    func(c *xconn.Config) { c.ReadBufferSize = 0 },
		"nil clock":           func(c *xconn.Config) { c.Clock = nil },
		"published events":    func(c *xconn.Config) { c.Events = published },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := xconn.DefaultConfig()
			mutate(&cfg)

			conn, _ := xquictest.NewPipeConns()
			require.Panics(t, func() {
				xconn.NewAdapter(context.Background(), xtest.NewLogger(t), conn, peerA, cfg, nil)
			})
		})
	}
}

func TestConfig_Events(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	head := xpubsub.NewStream[xconn.Event]()

	ca, cb := xquictest.NewPipeConns()
	log := xtest.NewLogger(t)

	aCfg := cfg
	aCfg.Events = head
	a := xconn.NewAdapter(ctx, log.With("side", "a"), ca, peerB, aCfg, nil)
	b := xconn.NewAdapter(ctx, log.With("side", "b"), cb, peerA, cfg, nil)
	defer b.Wait()
	defer a.Wait()
	defer cancel()

	require.Same(t, head, a.Events())

	s, err := a.OpenStream(ctx)
	require.NoError(t, err)

	// The configured head holds the first event.
	cur := head
	e := nextEvent(t, &cur)
	so, ok := e.(xconn.StreamOpened)
	require.True(t, ok)
	require.Equal(t, s.ID(), so.Stream.ID())
}
