package ifmon_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/classify"
	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/ifmon"
	"github.com/jkoelker/linkbridged/pkg/metrics"
	"github.com/jkoelker/linkbridged/pkg/nltransport"
	"github.com/jkoelker/linkbridged/pkg/nltransport/nltest"
	"github.com/jkoelker/linkbridged/pkg/object"
	"github.com/jkoelker/linkbridged/pkg/testutil"
	"github.com/jkoelker/linkbridged/pkg/vrf"
)

const up = uint32(unix.IFF_UP | unix.IFF_RUNNING)

var ( //nolint:gochecknoglobals // test fixtures
	defaultVRF = vrf.VRF{Name: "default"}
	blueVRF    = vrf.VRF{Name: "blue", ID: 1, Namespace: "blue"}
)

type harness struct {
	cache   *ifcache.Cache
	dialer  *nltest.Dialer
	monitor *ifmon.Monitor
}

func newHarness(t *testing.T, newConn func(nltest.Dial) *nltest.Conn, targets []ifmon.Target, opts ...func(*ifmon.Monitor)) *harness {
	t.Helper()

	logger := testutil.LoggerFromTB(t)

	dialer := nltest.NewDialer(newConn)
	transport := nltransport.New(
		nltransport.WithDialer(dialer.Dial),
		nltransport.WithLogger(logger),
		nltransport.WithPollInterval(10*time.Millisecond),
	)

	dir, err := vrf.NewDirectory(defaultVRF, blueVRF)
	require.NoError(t, err)

	cache := ifcache.New()
	classifier := classify.New(cache, dir, classify.WithLogger(logger))

	base := []func(*ifmon.Monitor){
		ifmon.WithLogger(logger),
		ifmon.WithRestartBackoff(time.Millisecond, 5*time.Millisecond),
	}

	return &harness{
		cache:   cache,
		dialer:  dialer,
		monitor: ifmon.New(transport, classifier, targets, append(base, opts...)...),
	}
}

func interfaceTargets(vrfs ...vrf.VRF) []ifmon.Target {
	out := make([]ifmon.Target, 0, len(vrfs))
	for _, v := range vrfs {
		out = append(out, ifmon.Target{VRF: v, Class: nltransport.ClassInterface})
	}

	return out
}

func next(t *testing.T, sub *ifmon.Subscription) *object.Object {
	t.Helper()

	select {
	case obj, ok := <-sub.Objects:
		require.True(t, ok, "Objects closed unexpectedly")

		return obj
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for interface record")
	}

	return nil
}

func nextDial(t *testing.T, dialer *nltest.Dialer) nltest.Dial {
	t.Helper()

	select {
	case dial := <-dialer.Dialed():
		return dial
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for socket")
	}

	return nltest.Dial{}
}

func nameOf(obj *object.Object) string {
	name, _ := obj.String(object.AttrName)

	return name
}

func TestMonitorRefreshPublishesKernelState(t *testing.T) {
	t.Parallel()

	respond := func(req *nl.NetlinkRequest) [][]syscall.NetlinkMessage {
		return [][]syscall.NetlinkMessage{{
			nltest.Link{Index: 2, Flags: up, Name: "eth0", MTU: 1500}.Message(t, unix.RTM_NEWLINK, req.Seq),
			nltest.Link{Index: 3, Flags: up, Name: "swp1", MTU: 9000}.Message(t, unix.RTM_NEWLINK, req.Seq),
			nltest.Done(req.Seq),
		}}
	}

	h := newHarness(t, func(nltest.Dial) *nltest.Conn {
		return nltest.NewConn(nltest.WithResponder(respond))
	}, interfaceTargets(defaultVRF), ifmon.WithRefresh(true))

	ctx := t.Context()
	sub, err := h.monitor.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	assert.Equal(t, "eth0", nameOf(next(t, sub)))
	assert.Equal(t, "swp1", nameOf(next(t, sub)))

	assert.Eventually(t, func() bool { return h.cache.Len() == 2 }, time.Second, 5*time.Millisecond)

	dial := h.dialer.Dials()[0]
	assert.True(t, dial.Bind, "worker sockets subscribe")
	assert.Equal(t, "default", dial.VRF)
}

func TestMonitorSuppressesRepeats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, interfaceTargets(defaultVRF))

	ctx := t.Context()
	sub, err := h.monitor.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	conn := nextDial(t, h.dialer).Conn
	link := nltest.Link{Index: 3, Flags: up, Name: "swp1", MTU: 1500}
	conn.Push(link.Message(t, unix.RTM_NEWLINK, 0))
	conn.Push(link.Message(t, unix.RTM_NEWLINK, 0))

	link.MTU = 9000
	conn.Push(link.Message(t, unix.RTM_NEWLINK, 0))

	first := next(t, sub)
	assert.Equal(t, object.OpCreate, first.Operation)

	second := next(t, sub)
	assert.Equal(t, object.OpSet, second.Operation, "unchanged repeat skipped")
	mtu, _ := second.Uint32(object.AttrMTU)
	assert.Equal(t, uint32(9000+classify.MTUOverhead), mtu)
}

func TestMonitorSurvivesBadFrames(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	h := newHarness(t, nil, interfaceTargets(defaultVRF), ifmon.WithMetrics(rec))

	ctx := t.Context()
	sub, err := h.monitor.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	conn := nextDial(t, h.dialer).Conn
	conn.Push(
		nltest.Frame(unix.RTM_NEWLINK, 0, []byte{0x01}),
		nltest.Link{Index: 4, Name: "vlan10", Kind: "vlan"}.Message(t, unix.RTM_NEWLINK, 0),
		nltest.Link{Index: 5, Flags: up, Name: "swp5"}.Message(t, unix.RTM_NEWLINK, 0),
	)

	assert.Equal(t, "swp5", nameOf(next(t, sub)), "worker continues past undecodable and vetoed frames")
	assert.Len(t, h.dialer.Dials(), 1, "bad frames do not restart the socket")
}

func TestMonitorNonDefaultVRF(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, interfaceTargets(blueVRF))

	ctx := t.Context()
	sub, err := h.monitor.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	dial := nextDial(t, h.dialer)
	assert.Equal(t, "blue", dial.VRF)

	dial.Conn.Push(nltest.Link{Index: 3, Flags: up, Name: "swp1"}.Message(t, unix.RTM_NEWLINK, 0))

	obj := next(t, sub)
	vrfName, _ := obj.String(object.AttrVRFName)
	assert.Equal(t, "blue", vrfName)
	assert.Zero(t, h.cache.Len(), "non-default vrf events are not cached")
}

func TestMonitorRestartsFailedWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, interfaceTargets(defaultVRF))

	ctx := t.Context()
	sub, err := h.monitor.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	first := nextDial(t, h.dialer)
	first.Conn.FailReceive(syscall.ENOBUFS)

	second := nextDial(t, h.dialer)
	assert.True(t, first.Conn.IsClosed(), "failed socket closed before restart")

	second.Conn.Push(nltest.Link{Index: 3, Flags: up, Name: "swp1"}.Message(t, unix.RTM_NEWLINK, 0))
	assert.Equal(t, "swp1", nameOf(next(t, sub)))
}

func TestMonitorShutdownClosesSocketsAndSubscribers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, interfaceTargets(defaultVRF, blueVRF))

	ctx, cancel := context.WithCancel(t.Context())

	sub, err := h.monitor.Subscribe(t.Context())
	require.NoError(t, err)
	require.NoError(t, h.monitor.Run(ctx))

	dials := []nltest.Dial{nextDial(t, h.dialer), nextDial(t, h.dialer)}

	cancel()

	select {
	case <-h.monitor.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "monitor did not stop")
	}

	for _, dial := range dials {
		assert.True(t, dial.Conn.IsClosed(), "socket for %s closed", dial.VRF)
	}

	select {
	case _, ok := <-sub.Objects:
		assert.False(t, ok, "Objects should be closed after shutdown")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for Objects close")
	}
}

func TestMonitorRunRequiresDependencies(t *testing.T) {
	t.Parallel()

	mon := ifmon.New(nil, nil, nil)
	require.ErrorIs(t, mon.Run(t.Context()), ifmon.ErrNotConfigured)

	var nilCtx context.Context
	require.ErrorIs(t, mon.Run(nilCtx), ifmon.ErrNilContext)
}

func TestSubscribeWithCanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.monitor.Subscribe(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	sub, err := h.monitor.Subscribe(t.Context())
	require.NoError(t, err)

	sub.Close()

	select {
	case _, ok := <-sub.Objects:
		assert.False(t, ok, "expected Objects to be closed")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for Objects to close")
	}
}
