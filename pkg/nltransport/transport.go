// Package nltransport owns rtnetlink sockets: per-(VRF, class) creation,
// request sending and sequence-correlated receive pumping.
package nltransport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vishvananda/netlink/nl"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/netutil"
)

// DefaultVRFName is the VRF whose sockets live in the daemon's own namespace.
const DefaultVRFName = "default"

// DumpFlags requests a full table dump.
const DumpFlags = unix.NLM_F_ROOT | unix.NLM_F_DUMP

const (
	defaultPollInterval = time.Second
	kernelPortID        = 0
	errnoSize           = 4
)

var (
	// ErrClosed is returned by Pump once the socket has been closed.
	ErrClosed = errors.New("netlink socket closed")

	// ErrNilSocket is returned when an operation is given a nil socket.
	ErrNilSocket = errors.New("netlink socket is nil")

	// ErrUnknownClass is returned for unrecognised socket class names.
	ErrUnknownClass = errors.New("unknown socket class")

	// ErrRefreshUnsupported is returned when a class has no dump request.
	ErrRefreshUnsupported = errors.New("refresh not supported for socket class")

	// ErrTruncatedError is returned for NLMSG_ERROR frames without an errno.
	ErrTruncatedError = errors.New("truncated netlink error frame")
)

// KernelError is a non-zero errno reported in an NLMSG_ERROR frame.
type KernelError struct {
	Seq   uint32
	Errno syscall.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("netlink request %d: %v", e.Seq, e.Errno)
}

func (e *KernelError) Unwrap() error {
	return e.Errno
}

// Conn is the subset of *nl.NetlinkSocket used by the transport.
type Conn interface {
	Send(req *nl.NetlinkRequest) error
	Receive() ([]syscall.NetlinkMessage, *unix.SockaddrNetlink, error)
	SetReceiveBufferSize(size int, force bool) error
	SetReceiveTimeout(timeout *unix.Timeval) error
	Close()
}

// DialFunc opens a NETLINK_ROUTE connection for vrfName. When bind is set the
// connection joins the multicast groups of class.
type DialFunc func(vrfName string, class Class, bind bool) (Conn, error)

// NamespaceFunc resolves the network namespace of a VRF. A handle for which
// IsOpen reports false selects the current namespace.
type NamespaceFunc func(vrfName string) (netns.NsHandle, error)

// Handler consumes one netlink frame received on sock.
type Handler func(sock *Socket, msgType uint16, msg syscall.NetlinkMessage, vrfID uint32) error

// Socket is a kernel socket bound to one VRF and class.
type Socket struct {
	VRF   string
	Class Class
	Bound bool

	conn    Conn
	pending []syscall.NetlinkMessage
	closed  atomic.Bool
	once    sync.Once
}

// Close releases the socket. A Pump blocked on a subscription socket returns
// ErrClosed within one poll interval.
func (s *Socket) Close() {
	if s == nil {
		return
	}

	s.once.Do(func() {
		s.closed.Store(true)
		s.conn.Close()
	})
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	return s != nil && s.closed.Load()
}

// Transport creates sockets and moves frames across them.
type Transport struct {
	dial         DialFunc
	namespace    NamespaceFunc
	pollInterval time.Duration
	seq          atomic.Uint32
	log          *slog.Logger
}

// New builds a Transport with the provided options.
func New(opts ...func(*Transport)) *Transport {
	transport := &Transport{
		namespace:    namedNamespace,
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(transport)
	}

	if transport.log == nil {
		transport.log = slog.New(slog.DiscardHandler)
	}

	if transport.dial == nil {
		transport.dial = transport.dialNamespace
	}

	return transport
}

// NextSeq returns the next request sequence number.
func (t *Transport) NextSeq() uint32 {
	return t.seq.Add(1)
}

// CreateSocket opens a socket for class in the namespace of vrfName and
// applies the class receive buffer size.
func (t *Transport) CreateSocket(vrfName string, class Class, bind bool) (*Socket, error) {
	conn, err := t.dial(vrfName, class, bind)
	if err != nil {
		return nil, fmt.Errorf("open %s socket for vrf %q: %w", class, vrfName, err)
	}

	size := class.BufferSize()
	if err := conn.SetReceiveBufferSize(size, true); err != nil {
		t.log.Warn("forced receive buffer size rejected, falling back",
			"vrf", vrfName,
			"class", class.String(),
			"size", size,
			"err", err,
		)

		if err := conn.SetReceiveBufferSize(size, false); err != nil {
			conn.Close()

			return nil, fmt.Errorf("set %s receive buffer: %w", class, err)
		}
	}

	if bind && t.pollInterval > 0 {
		timeout := unix.NsecToTimeval(t.pollInterval.Nanoseconds())
		if err := conn.SetReceiveTimeout(&timeout); err != nil {
			conn.Close()

			return nil, fmt.Errorf("set %s receive timeout: %w", class, err)
		}
	}

	t.log.Debug("netlink socket created", "vrf", vrfName, "class", class.String(), "bind", bind)

	return &Socket{VRF: vrfName, Class: class, Bound: bind, conn: conn}, nil
}

// SendRequest sends a request of msgType carrying payload with the given
// sequence number. NLM_F_REQUEST is always set.
func (t *Transport) SendRequest(
	sock *Socket,
	msgType uint16,
	flags int,
	seq uint32,
	payload ...nl.NetlinkRequestData,
) error {
	if sock == nil {
		return ErrNilSocket
	}

	if sock.Closed() {
		return ErrClosed
	}

	req := nl.NewNetlinkRequest(int(msgType), flags)
	req.Seq = seq

	for _, data := range payload {
		req.AddData(data)
	}

	if err := sock.conn.Send(req); err != nil {
		return fmt.Errorf("send netlink request %d: %w", seq, err)
	}

	return nil
}

// Refresh asks the kernel to replay the current state of sock's class over
// sock so it flows through the event path.
func (t *Transport) Refresh(sock *Socket) error {
	if sock == nil {
		return ErrNilSocket
	}

	if sock.Class != ClassInterface {
		return fmt.Errorf("%w: %s", ErrRefreshUnsupported, sock.Class)
	}

	return t.SendRequest(sock, unix.RTM_GETLINK, DumpFlags, t.NextSeq(), nl.NewIfInfomsg(unix.AF_UNSPEC))
}

// Pump drains frames from sock into handler.
//
// With seq set, only frames carrying that sequence number are delivered and
// Pump returns when the kernel answers with NLMSG_DONE or NLMSG_ERROR. An
// error frame with a zero errno is an acknowledgement; any other errno is
// returned as a *KernelError.
//
// With seq nil, Pump delivers exactly one event frame and returns; the rest
// of a multi-message datagram stays buffered on sock for the next call.
func (t *Transport) Pump(sock *Socket, handler Handler, seq *uint32, vrfID uint32) error {
	if sock == nil {
		return ErrNilSocket
	}

	if seq == nil {
		return t.pumpEvent(sock, handler, vrfID)
	}

	return t.pumpSequence(sock, handler, *seq, vrfID)
}

func (t *Transport) pumpEvent(sock *Socket, handler Handler, vrfID uint32) error {
	for {
		msg, err := sock.next()
		if err != nil {
			return err
		}

		switch msg.Header.Type {
		case unix.NLMSG_DONE, unix.NLMSG_NOOP:
			continue
		case unix.NLMSG_ERROR:
			if err := errorFrame(msg); err != nil {
				t.log.Warn("kernel reported error on subscription socket",
					"vrf", sock.VRF,
					"class", sock.Class.String(),
					"err", err,
				)
			}

			continue
		}

		if handler == nil {
			return nil
		}

		return handler(sock, msg.Header.Type, msg, vrfID)
	}
}

func (t *Transport) pumpSequence(sock *Socket, handler Handler, seq uint32, vrfID uint32) error {
	for {
		msg, err := sock.next()
		if err != nil {
			return err
		}

		if msg.Header.Seq != seq {
			t.log.Debug("skipping uncorrelated frame", "want", seq, "got", msg.Header.Seq)

			continue
		}

		switch msg.Header.Type {
		case unix.NLMSG_DONE:
			return nil
		case unix.NLMSG_ERROR:
			return errorFrame(msg)
		case unix.NLMSG_NOOP:
			continue
		}

		if handler == nil {
			continue
		}

		if err := handler(sock, msg.Header.Type, msg, vrfID); err != nil {
			return err
		}
	}
}

func (s *Socket) next() (syscall.NetlinkMessage, error) {
	for len(s.pending) == 0 {
		if s.closed.Load() {
			return syscall.NetlinkMessage{}, ErrClosed
		}

		msgs, from, err := s.conn.Receive()
		if err != nil {
			if s.closed.Load() {
				return syscall.NetlinkMessage{}, ErrClosed
			}

			if netutil.IsTemporary(err) {
				continue
			}

			return syscall.NetlinkMessage{}, fmt.Errorf("receive on %s socket: %w", s.Class, err)
		}

		if from != nil && from.Pid != kernelPortID {
			continue
		}

		s.pending = msgs
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]

	return msg, nil
}

func errorFrame(msg syscall.NetlinkMessage) error {
	if len(msg.Data) < errnoSize {
		return ErrTruncatedError
	}

	code := int32(nl.NativeEndian().Uint32(msg.Data[:errnoSize])) //nolint:gosec // errno is signed on the wire
	if code == 0 {
		return nil
	}

	if code < 0 {
		code = -code
	}

	return &KernelError{Seq: msg.Header.Seq, Errno: syscall.Errno(code)}
}

func (t *Transport) dialNamespace(vrfName string, class Class, bind bool) (Conn, error) {
	ns, err := t.namespace(vrfName)
	if err != nil {
		return nil, fmt.Errorf("resolve namespace: %w", err)
	}

	if ns.IsOpen() {
		defer ns.Close()
	}

	var sock *nl.NetlinkSocket
	if bind {
		sock, err = nl.SubscribeAt(ns, netns.None(), unix.NETLINK_ROUTE, class.Groups()...)
	} else {
		sock, err = nl.GetNetlinkSocketAt(ns, netns.None(), unix.NETLINK_ROUTE)
	}

	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by CreateSocket
	}

	return sock, nil
}

func namedNamespace(vrfName string) (netns.NsHandle, error) {
	if vrfName == "" || vrfName == DefaultVRFName {
		return netns.None(), nil
	}

	handle, err := netns.GetFromName(vrfName)
	if err != nil {
		return netns.None(), fmt.Errorf("open namespace %q: %w", vrfName, err)
	}

	return handle, nil
}
