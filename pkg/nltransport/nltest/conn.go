// Package nltest provides in-memory netlink connections and frame builders
// for tests.
package nltest

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/nltransport"
)

// ErrConnClosed is returned by Receive after Close.
var ErrConnClosed = errors.New("nltest: connection closed")

// Responder produces the datagrams the fake kernel answers req with.
type Responder func(req *nl.NetlinkRequest) [][]syscall.NetlinkMessage

// Conn is an in-memory nltransport.Conn. Datagrams queued with Push or
// produced by the Responder are returned by Receive in order.
type Conn struct {
	mu         sync.Mutex
	queue      [][]syscall.NetlinkMessage
	sent       []*nl.NetlinkRequest
	respond    Responder
	forceErr   error
	bufferSize int
	forced     bool
	timeout    time.Duration
	recvErr    error

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn builds a Conn with the provided options.
func NewConn(opts ...func(*Conn)) *Conn {
	conn := &Conn{
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(conn)
	}

	return conn
}

// WithResponder answers every Send with the datagrams fn returns.
func WithResponder(fn Responder) func(*Conn) {
	return func(c *Conn) {
		c.respond = fn
	}
}

// WithForcedBufferError makes forced receive buffer requests fail with err.
func WithForcedBufferError(err error) func(*Conn) {
	return func(c *Conn) {
		c.forceErr = err
	}
}

// Push queues one datagram.
func (c *Conn) Push(msgs ...syscall.NetlinkMessage) {
	c.mu.Lock()
	c.queue = append(c.queue, msgs)
	c.mu.Unlock()

	c.signal()
}

// FailReceive makes the next Receive return err.
func (c *Conn) FailReceive(err error) {
	c.mu.Lock()
	c.recvErr = err
	c.mu.Unlock()

	c.signal()
}

// Send records req and queues any scripted response.
func (c *Conn) Send(req *nl.NetlinkRequest) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, req)

	if c.respond != nil {
		c.queue = append(c.queue, c.respond(req)...)
	}
	c.mu.Unlock()

	c.signal()

	return nil
}

// Receive returns the next queued datagram, blocking until one arrives, the
// receive timeout elapses, or the connection is closed.
func (c *Conn) Receive() ([]syscall.NetlinkMessage, *unix.SockaddrNetlink, error) {
	for {
		c.mu.Lock()
		if c.recvErr != nil {
			err := c.recvErr
			c.recvErr = nil
			c.mu.Unlock()

			return nil, nil, err
		}

		if len(c.queue) > 0 {
			msgs := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return msgs, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}, nil
		}
		timeout := c.timeout
		c.mu.Unlock()

		var expired <-chan time.Time
		if timeout > 0 {
			expired = time.After(timeout)
		}

		select {
		case <-c.closed:
			return nil, nil, ErrConnClosed
		case <-c.ready:
		case <-expired:
			return nil, nil, syscall.EAGAIN
		}
	}
}

// SetReceiveBufferSize records the requested size.
func (c *Conn) SetReceiveBufferSize(size int, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if force && c.forceErr != nil {
		return c.forceErr
	}

	c.bufferSize = size
	c.forced = force

	return nil
}

// SetReceiveTimeout records the receive timeout.
func (c *Conn) SetReceiveTimeout(timeout *unix.Timeval) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout != nil {
		c.timeout = time.Duration(timeout.Nano())
	}

	return nil
}

// Close unblocks pending receives.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns the requests sent so far.
func (c *Conn) Sent() []*nl.NetlinkRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*nl.NetlinkRequest(nil), c.sent...)
}

// BufferSize returns the last accepted receive buffer size and whether it
// was forced.
func (c *Conn) BufferSize() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bufferSize, c.forced
}

func (c *Conn) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Dial records one CreateSocket call.
type Dial struct {
	VRF   string
	Class nltransport.Class
	Bind  bool
	Conn  *Conn
}

// Dialer hands out fake connections to a Transport.
type Dialer struct {
	mu      sync.Mutex
	newConn func(Dial) *Conn
	dials   []Dial
	err     error
	dialed  chan Dial
}

// NewDialer builds a Dialer. newConn may be nil, in which case every dial
// receives an empty Conn.
func NewDialer(newConn func(Dial) *Conn) *Dialer {
	if newConn == nil {
		newConn = func(Dial) *Conn { return NewConn() }
	}

	return &Dialer{newConn: newConn, dialed: make(chan Dial, 64)}
}

// Fail makes subsequent dials return err.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Dial implements nltransport.DialFunc.
func (d *Dialer) Dial(vrfName string, class nltransport.Class, bind bool) (nltransport.Conn, error) {
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()

		return nil, err
	}

	dial := Dial{VRF: vrfName, Class: class, Bind: bind}
	dial.Conn = d.newConn(dial)
	d.dials = append(d.dials, dial)
	d.mu.Unlock()

	select {
	case d.dialed <- dial:
	default:
	}

	return dial.Conn, nil
}

// Dials returns the dials made so far.
func (d *Dialer) Dials() []Dial {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Dial(nil), d.dials...)
}

// Dialed delivers each dial as it happens.
func (d *Dialer) Dialed() <-chan Dial {
	return d.dialed
}
