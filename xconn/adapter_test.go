package xconn_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/xstream/internal/xhandshake"
	"github.com/gordian-engine/xstream/internal/xpending"
	"github.com/gordian-engine/xstream/internal/xtest"
	"github.com/gordian-engine/xstream/xcert"
	"github.com/gordian-engine/xstream/xconn"
	"github.com/gordian-engine/xstream/xerr"
	"github.com/gordian-engine/xstream/xframe"
	"github.com/gordian-engine/xstream/xid"
	"github.com/gordian-engine/xstream/xpubsub"
	"github.com/gordian-engine/xstream/xquic"
	"github.com/gordian-engine/xstream/xquic/xquictest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var (
	peerA = xcert.PeerID{0xaa}
	peerB = xcert.PeerID{0xbb}
)

func testConfig() (xconn.Config, *clock.Mock) {
	cfg := xconn.DefaultConfig()
	clk := clock.NewMock()
	cfg.Clock = clk
	return cfg, clk
}

// newAdapterPair returns two adapters connected over an in-memory link.
func newAdapterPair(t *testing.T, ctx context.Context, cfg xconn.Config) (a, b *xconn.Adapter) {
	t.Helper()

	ca, cb := xquictest.NewPipeConns()
	log := xtest.NewLogger(t)

	a = xconn.NewAdapter(ctx, log.With("side", "a"), ca, peerB, cfg, nil)
	b = xconn.NewAdapter(ctx, log.With("side", "b"), cb, peerA, cfg, nil)

	t.Cleanup(func() {
		a.Close()
		b.Close()
		a.Wait()
		b.Wait()
	})
	return a, b
}

// newRawPeer returns an adapter and the raw connection of its peer,
// so the test can speak the wire protocol directly.
func newRawPeer(
	t *testing.T, ctx context.Context, cfg xconn.Config, reg prometheus.Registerer,
) (*xconn.Adapter, *xquictest.PipeConn) {
	t.Helper()

	local, raw := xquictest.NewPipeConns()
	a := xconn.NewAdapter(ctx, xtest.NewLogger(t), local, peerB, cfg, xconn.NewMetrics(reg))

	t.Cleanup(func() {
		a.Close()
		a.Wait()
	})
	return a, raw
}

func nextEvent(t *testing.T, cur **xpubsub.Stream[xconn.Event]) xconn.Event {
	t.Helper()

	_ = xtest.ReceiveSoon(t, (*cur).Ready)
	e := (*cur).Val
	*cur = (*cur).Next
	return e
}

// acceptProposal accepts one substream on raw
// and consumes its upgrade token and proposal frame.
func acceptProposal(t *testing.T, ctx context.Context, raw xquic.Conn) (xquic.Stream, xframe.Frame) {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, xtest.ScheduleTimeout)
	defer cancel()

	qs, err := raw.AcceptStream(ctx)
	require.NoError(t, err)
	require.NoError(t, xconn.ReadUpgrade(qs))

	f, err := xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, xframe.KindHandshake, f.Kind)
	require.Len(t, f.Payload, xhandshake.ProposalSize)
	require.Equal(t, byte(xhandshake.RoleInitiator), f.Payload[xid.Size])

	return qs, f
}

// openRaw opens a substream from raw and sends a proposal for id.
func openRaw(t *testing.T, ctx context.Context, raw xquic.Conn, id xid.StreamID) xquic.Stream {
	t.Helper()

	qs, err := raw.OpenStreamSync(ctx)
	require.NoError(t, err)

	b := xconn.AppendUpgrade(nil)
	b = append(b, xhandshake.ProposalFrame(id).Encode()...)
	_, err = qs.Write(b)
	require.NoError(t, err)

	return qs
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestAdapter_openAndExchange(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, b := newAdapterPair(t, ctx, cfg)

	aEvents, bEvents := a.Events(), b.Events()

	as, err := a.OpenStream(ctx)
	require.NoError(t, err)
	require.Equal(t, xconn.Outbound, as.Direction())
	require.Equal(t, peerB, as.Peer())

	opened := nextEvent(t, &aEvents).(xconn.StreamOpened)
	require.Same(t, as, opened.Stream)

	opened = nextEvent(t, &bEvents).(xconn.StreamOpened)
	bs := opened.Stream
	require.Equal(t, xconn.Inbound, bs.Direction())
	require.Equal(t, as.ID(), bs.ID())
	require.Equal(t, peerA, bs.Peer())

	_, err = as.Write([]byte("ping"))
	require.NoError(t, err)

	dr := nextEvent(t, &bEvents).(xconn.DataReceived)
	require.Equal(t, as.ID(), dr.ID)
	require.Equal(t, xconn.Inbound, dr.Direction)
	require.Equal(t, []byte("ping"), dr.Data)

	buf := make([]byte, 4)
	_, err = io.ReadFull(bs, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = bs.Write([]byte("pong"))
	require.NoError(t, err)

	_, err = io.ReadFull(as, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	dr = nextEvent(t, &aEvents).(xconn.DataReceived)
	require.Equal(t, xconn.Outbound, dr.Direction)
	require.Equal(t, []byte("pong"), dr.Data)
}

func TestAdapter_sequentialIDs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, _ := newAdapterPair(t, ctx, cfg)

	s1, err := a.OpenStream(ctx)
	require.NoError(t, err)
	s2, err := a.OpenStream(ctx)
	require.NoError(t, err)

	require.Equal(t, xid.FromUint64(0), s1.ID())
	require.Equal(t, xid.FromUint64(1), s2.ID())
}

func TestAdapter_writeSplitsFrames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	cfg.MaxFrameSize = 64
	a, b := newAdapterPair(t, ctx, cfg)

	bEvents := b.Events()

	as, err := a.OpenStream(ctx)
	require.NoError(t, err)
	bs := nextEvent(t, &bEvents).(xconn.StreamOpened).Stream

	data := xtest.RandomDataForTest(t, 200)
	n, err := as.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	var sizes []int
	for range 4 {
		dr := nextEvent(t, &bEvents).(xconn.DataReceived)
		sizes = append(sizes, len(dr.Data))
	}
	require.Equal(t, []int{64, 64, 64, 8}, sizes)

	got := make([]byte, len(data))
	_, err = io.ReadFull(bs, got)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestAdapter_halfClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, b := newAdapterPair(t, ctx, cfg)

	aEvents, bEvents := a.Events(), b.Events()

	as, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_ = nextEvent(t, &aEvents).(xconn.StreamOpened)
	bs := nextEvent(t, &bEvents).(xconn.StreamOpened).Stream

	_, err = as.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, as.Close())

	// Writing after the local close fails.
	_, err = as.Write([]byte("more"))
	require.ErrorIs(t, err, xconn.ErrStreamClosed)
	require.ErrorIs(t, as.Close(), xconn.ErrStreamClosed)

	// The remote side reads the data and then EOF.
	got, err := io.ReadAll(bs)
	require.NoError(t, err)
	require.Equal(t, "last words", string(got))

	_ = nextEvent(t, &bEvents).(xconn.DataReceived)

	// The remote side may still write.
	_, err = bs.Write([]byte("reply"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(as, buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf))
	_ = nextEvent(t, &aEvents).(xconn.DataReceived)

	require.NoError(t, bs.Close())

	closed := nextEvent(t, &bEvents).(xconn.StreamClosed)
	require.Equal(t, bs.ID(), closed.ID)
	require.Equal(t, xconn.Inbound, closed.Direction)

	closed = nextEvent(t, &aEvents).(xconn.StreamClosed)
	require.Equal(t, as.ID(), closed.ID)
	require.Equal(t, xconn.Outbound, closed.Direction)

	_, err = as.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestAdapter_closeWithError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, b := newAdapterPair(t, ctx, cfg)

	aEvents, bEvents := a.Events(), b.Events()

	as, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_ = nextEvent(t, &aEvents).(xconn.StreamOpened)
	bs := nextEvent(t, &bEvents).(xconn.StreamOpened).Stream

	require.NoError(t, as.CloseWithError("bye"))

	se := nextEvent(t, &aEvents).(xconn.StreamError)
	require.Equal(t, as.ID(), se.ID)
	require.Equal(t, xconn.LocalAbortError{Msg: "bye"}, se.Err)

	se = nextEvent(t, &bEvents).(xconn.StreamError)
	require.Equal(t, bs.ID(), se.ID)
	require.Equal(t, xconn.RemoteError{Msg: "bye"}, se.Err)

	_, err = bs.Read(make([]byte, 1))
	var re xconn.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "bye", re.Msg)

	_, err = as.Write([]byte("x"))
	var le xconn.LocalAbortError
	require.ErrorAs(t, err, &le)

	_, err = bs.Write([]byte("x"))
	require.ErrorAs(t, err, &re)
}

func TestAdapter_closeWithErrorAfterClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, b := newAdapterPair(t, ctx, cfg)

	aEvents, bEvents := a.Events(), b.Events()

	as, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_ = nextEvent(t, &aEvents).(xconn.StreamOpened)
	_ = nextEvent(t, &bEvents).(xconn.StreamOpened)

	require.NoError(t, as.Close())

	// The local direction is closed but the stream is still open for reading,
	// so the abort must still go through.
	require.NoError(t, as.CloseWithError("late"))

	se := nextEvent(t, &aEvents).(xconn.StreamError)
	require.Equal(t, as.ID(), se.ID)
	require.Equal(t, xconn.LocalAbortError{Msg: "late"}, se.Err)

	_, err = as.Read(make([]byte, 1))
	var le xconn.LocalAbortError
	require.ErrorAs(t, err, &le)
	require.Equal(t, "late", le.Msg)

	// Once errored, a second abort reports the terminal error.
	require.ErrorAs(t, as.CloseWithError("again"), &le)
}

func TestAdapter_duplicateProposal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	reg := prometheus.NewRegistry()
	a, raw := newRawPeer(t, ctx, cfg, reg)

	events := a.Events()
	id := xid.FromUint64(1)

	qs1 := openRaw(t, ctx, raw, id)

	ack, err := xframe.ReadFrame(qs1, xframe.DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, xframe.KindHandshake, ack.Kind)
	require.Equal(t, id, ack.StreamID)
	require.Equal(t, []byte{xhandshake.Ack}, ack.Payload)

	opened := nextEvent(t, &events).(xconn.StreamOpened)
	require.Equal(t, id, opened.Stream.ID())

	// Same ID on a second substream while the first is still active.
	qs2 := openRaw(t, ctx, raw, id)

	_, err = xframe.ReadFrame(qs2, xframe.DefaultMaxFrameSize)
	require.Error(t, err)

	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, xquic.StreamCodeProtocolError, sce.Code)

	// No second StreamOpened.
	require.False(t, events.Published())
	require.Equal(t, float64(1), counterValue(t, reg, "xstream_conn_protocol_violations_total"))

	// The first stream is unaffected.
	_, err = qs1.Write(xframe.NewFrame(id, xframe.KindData, []byte("still here")).Encode())
	require.NoError(t, err)
	dr := nextEvent(t, &events).(xconn.DataReceived)
	require.Equal(t, []byte("still here"), dr.Data)
}

func TestAdapter_connectionLoss(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)

	events := a.Events()

	// Establish one stream by acknowledging it by hand.
	p1, err := a.RequestStream(ctx)
	require.NoError(t, err)

	qs1, proposal := acceptProposal(t, ctx, raw)
	_, err = qs1.Write(xhandshake.AckFrame(proposal.StreamID).Encode())
	require.NoError(t, err)

	s1, err := p1.Wait(ctx)
	require.NoError(t, err)
	_ = nextEvent(t, &events).(xconn.StreamOpened)

	// Two more opens that are never acknowledged.
	p2, err := a.RequestStream(ctx)
	require.NoError(t, err)
	_, _ = acceptProposal(t, ctx, raw)

	p3, err := a.RequestStream(ctx)
	require.NoError(t, err)
	_, _ = acceptProposal(t, ctx, raw)

	require.NoError(t, raw.CloseWithError(xquic.CloseCodeShutdown, "going away"))

	for _, p := range []*xpending.Promise[*xconn.Stream]{p2, p3} {
		waitCtx, waitCancel := context.WithTimeout(ctx, xtest.ScheduleTimeout)
		_, err := p.Wait(waitCtx)
		waitCancel()
		require.ErrorIs(t, err, xerr.ErrConnectionClosed)
	}

	se := nextEvent(t, &events).(xconn.StreamError)
	require.Equal(t, s1.ID(), se.ID)
	require.ErrorIs(t, se.Err, xerr.ErrConnectionClosed)

	_ = xtest.ReceiveSoon(t, a.Done())

	_, err = s1.Read(make([]byte, 1))
	require.ErrorIs(t, err, xerr.ErrConnectionClosed)

	// No events after shutdown.
	require.False(t, events.Published())

	_, err = a.RequestStream(ctx)
	require.ErrorIs(t, err, xerr.ErrConnectionClosed)
}

func TestAdapter_openTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, clk := testConfig()
	reg := prometheus.NewRegistry()
	a, raw := newRawPeer(t, ctx, cfg, reg)

	p, err := a.RequestStream(ctx)
	require.NoError(t, err)

	qs, _ := acceptProposal(t, ctx, raw)

	// Not yet expired.
	clk.Add(cfg.OpenTimeout - time.Second)
	xtest.NotSending(t, p.Ready())

	clk.Add(2 * time.Second)

	_ = xtest.ReceiveSoon(t, p.Ready())
	_, err = p.Result()
	require.ErrorIs(t, err, xerr.ErrTimeout)

	// The substream is torn down.
	_, err = xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)

	require.Equal(t, float64(1), counterValue(t, reg, "xstream_conn_open_timeouts_total"))
}

func TestAdapter_inboundHandshakeTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, clk := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)
	events := a.Events()

	// Upgrade token but no proposal.
	qs, err := raw.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = qs.Write(xconn.AppendUpgrade(nil))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
		errCh <- err
	}()

	// The adapter registers the substream asynchronously,
	// so keep advancing until its deadline passes.
	deadline := time.After(xtest.ScheduleTimeout)
	for err == nil {
		clk.Add(cfg.HandshakeTimeout)
		select {
		case err = <-errCh:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("inbound handshake never timed out")
		}
	}

	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, xquic.StreamCodeHandshakeTimeout, sce.Code)

	require.False(t, events.Published())
}

func TestAdapter_abandonOpen(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)

	openCtx, openCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := a.OpenStream(openCtx)
		errCh <- err
	}()

	qs, proposal := acceptProposal(t, ctx, raw)
	openCancel()

	err := xtest.ReceiveSoon(t, errCh)
	require.ErrorIs(t, err, context.Canceled)

	// The abandoned substream is canceled.
	_, err = xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)

	// A late acknowledgment does not produce a stream.
	events := a.Events()
	_, _ = qs.Write(xhandshake.AckFrame(proposal.StreamID).Encode())
	require.False(t, events.Published())
}

func TestAdapter_ackAfterAbandonIsNotDuplicate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	reg := prometheus.NewRegistry()
	a, raw := newRawPeer(t, ctx, cfg, reg)
	events := a.Events()

	p, err := a.RequestStream(ctx)
	require.NoError(t, err)

	qs, proposal := acceptProposal(t, ctx, raw)

	// The ack may reach the adapter before or after it processes the abandonment.
	require.True(t, p.Abandon())
	go func() {
		_, _ = qs.Write(xhandshake.AckFrame(proposal.StreamID).Encode())
	}()

	_, err = xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)

	require.Zero(t, counterValue(t, reg, "xstream_conn_duplicate_resolutions_total"))
	require.False(t, events.Published())
}

func TestAdapter_oversizeFrame(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	cfg.MaxFrameSize = 64
	a, raw := newRawPeer(t, ctx, cfg, nil)
	events := a.Events()

	id := xid.FromUint64(7)
	qs := openRaw(t, ctx, raw, id)
	_, err := xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	require.NoError(t, err)

	s := nextEvent(t, &events).(xconn.StreamOpened).Stream

	hdr := xframe.AppendHeader(nil, xframe.Header{
		StreamID: id,
		Kind:     xframe.KindData,
		Length:   65,
	})
	_, err = qs.Write(hdr)
	require.NoError(t, err)

	se := nextEvent(t, &events).(xconn.StreamError)
	require.Equal(t, id, se.ID)
	require.ErrorIs(t, se.Err, xerr.ErrProtocolViolation)

	_, err = s.Read(make([]byte, 1))
	require.ErrorIs(t, err, xerr.ErrProtocolViolation)
}

func TestAdapter_dataBeforeHandshake(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)
	events := a.Events()

	qs, err := raw.OpenStreamSync(ctx)
	require.NoError(t, err)

	b := xconn.AppendUpgrade(nil)
	b = append(b, xframe.NewFrame(xid.FromUint64(1), xframe.KindData, []byte("early")).Encode()...)
	_, err = qs.Write(b)
	require.NoError(t, err)

	_, err = xframe.ReadFrame(qs, xframe.DefaultMaxFrameSize)
	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, xquic.StreamCodeProtocolError, sce.Code)

	require.False(t, events.Published())
}

func TestAdapter_badUpgrade(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)
	events := a.Events()

	qs, err := raw.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = qs.Write(append([]byte{5}, "/nope"...))
	require.NoError(t, err)

	_, err = qs.Read(make([]byte, 1))
	var sce xquictest.StreamCanceledError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, xquic.StreamCodeBadUpgrade, sce.Code)

	require.False(t, events.Published())
}

func TestAdapter_close(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, _ := testConfig()
	a, raw := newRawPeer(t, ctx, cfg, nil)

	p, err := a.RequestStream(ctx)
	require.NoError(t, err)
	_, _ = acceptProposal(t, ctx, raw)

	a.Close()
	_ = xtest.ReceiveSoon(t, a.Done())

	_, err = p.Result()
	require.ErrorIs(t, err, xerr.ErrConnectionClosed)

	// Closing the adapter closes the connection.
	_ = xtest.ReceiveSoon(t, raw.Context().Done())
}
