// Package ifmon runs the kernel event workers and fans published interface
// records out to subscribers.
package ifmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenk/backoff"

	"github.com/jkoelker/linkbridged/pkg/classify"
	"github.com/jkoelker/linkbridged/pkg/linkmsg"
	"github.com/jkoelker/linkbridged/pkg/metrics"
	"github.com/jkoelker/linkbridged/pkg/nltransport"
	"github.com/jkoelker/linkbridged/pkg/object"
	"github.com/jkoelker/linkbridged/pkg/vrf"
)

var (
	// ErrNilContext indicates that a nil context was passed to Run or Subscribe.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNotConfigured signals that the monitor dependency was not injected.
	ErrNotConfigured = errors.New("interface monitor not configured")
)

const (
	defaultSubscriberQueue = 16
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
)

// Target is one subscription socket the monitor keeps open.
type Target struct {
	VRF   vrf.VRF
	Class nltransport.Class
}

// Monitor owns one worker per Target. Each worker pumps its subscription
// socket, classifies link events and broadcasts published records.
type Monitor struct {
	transport  *nltransport.Transport
	classifier *classify.Classifier
	targets    []Target

	refresh            bool
	initialInterval    time.Duration
	maxInterval        time.Duration
	subscriberQueueLen int

	metrics *metrics.Recorder
	log     *slog.Logger

	startMu sync.Mutex
	started bool
	workers sync.WaitGroup
	done    chan struct{}

	socketsMu sync.Mutex
	sockets   map[*nltransport.Socket]struct{}
	stopping  bool

	subscribersMu sync.RWMutex
	subscribers   map[uint64]*subscription
	nextID        uint64
}

// New builds a Monitor with the provided options.
func New(
	transport *nltransport.Transport,
	classifier *classify.Classifier,
	targets []Target,
	opts ...func(*Monitor),
) *Monitor {
	monitor := &Monitor{
		transport:          transport,
		classifier:         classifier,
		targets:            append([]Target(nil), targets...),
		initialInterval:    defaultInitialInterval,
		maxInterval:        defaultMaxInterval,
		subscriberQueueLen: defaultSubscriberQueue,
		done:               make(chan struct{}),
		sockets:            make(map[*nltransport.Socket]struct{}),
		subscribers:        make(map[uint64]*subscription),
	}

	for _, opt := range opts {
		opt(monitor)
	}

	if monitor.log == nil {
		monitor.log = slog.New(slog.DiscardHandler)
	}

	return monitor
}

// Run starts the workers if they are not already running. Workers stop when
// ctx is canceled: the monitor closes their sockets and, once every worker
// has returned, closes all subscriptions.
func (m *Monitor) Run(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	if m == nil || m.transport == nil || m.classifier == nil {
		return ErrNotConfigured
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.started {
		return nil
	}

	for _, target := range m.targets {
		m.workers.Add(1)

		go m.supervise(ctx, target)
	}

	go func() {
		<-ctx.Done()
		m.closeSockets()
		m.workers.Wait()
		m.shutdownSubscribers()
		close(m.done)
	}()

	m.started = true

	return nil
}

// Done is closed once a started monitor has fully stopped.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Publish broadcasts obj to every subscriber.
func (m *Monitor) Publish(ctx context.Context, obj *object.Object) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	m.broadcast(obj)

	return nil
}

func (m *Monitor) supervise(ctx context.Context, target Target) {
	defer m.workers.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialInterval
	policy.MaxInterval = m.maxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := m.runWorker(ctx, target)
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		m.log.Warn("interface worker failed, restarting",
			"vrf", target.VRF.Name,
			"class", target.Class.String(),
			"retry_in", wait,
			"err", err,
		)
		m.metrics.Restart(target.VRF.Name, target.Class.String())
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if err != nil && ctx.Err() == nil {
		m.log.Error("interface worker stopped", "vrf", target.VRF.Name, "class", target.Class.String(), "err", err)
	}
}

func (m *Monitor) runWorker(ctx context.Context, target Target) error {
	sock, err := m.transport.CreateSocket(target.VRF.Name, target.Class, true)
	if err != nil {
		return fmt.Errorf("create subscription socket: %w", err)
	}

	if !m.track(sock) {
		sock.Close()

		return nltransport.ErrClosed
	}
	defer m.untrack(sock)

	if m.refresh {
		err := m.transport.Refresh(sock)
		if err != nil && !errors.Is(err, nltransport.ErrRefreshUnsupported) {
			return fmt.Errorf("refresh %s state: %w", target.Class, err)
		}
	}

	m.log.Info("interface worker started", "vrf", target.VRF.Name, "class", target.Class.String())

	handler := m.handlerFor(ctx, target)

	for {
		if err := m.transport.Pump(sock, handler, nil, target.VRF.ID); err != nil {
			return err //nolint:wrapcheck // already carries socket context
		}
	}
}

func (m *Monitor) handlerFor(ctx context.Context, target Target) nltransport.Handler {
	if target.Class != nltransport.ClassInterface {
		return func(_ *nltransport.Socket, msgType uint16, _ syscall.NetlinkMessage, _ uint32) error {
			m.log.Debug("ignoring frame without handler", "class", target.Class.String(), "type", msgType)

			return nil
		}
	}

	return func(_ *nltransport.Socket, msgType uint16, msg syscall.NetlinkMessage, vrfID uint32) error {
		if !linkmsg.IsLinkMessage(msgType) {
			return nil
		}

		ev, err := linkmsg.Decode(msgType, msg.Data, vrfID)
		if err != nil {
			m.log.Warn("dropping undecodable link event", "vrf", target.VRF.Name, "err", err)
			m.metrics.Event(target.VRF.Name, metrics.OutcomeDecodeError)

			return nil
		}

		decision, err := m.classifier.Classify(ev)
		if err != nil {
			m.log.Warn("dropping link event", "vrf", target.VRF.Name, "index", ev.Index, "err", err)
			m.metrics.Event(target.VRF.Name, outcomeOf(err))

			return nil
		}

		if !decision.Publish {
			m.metrics.Event(target.VRF.Name, metrics.OutcomeSuppressed)

			return nil
		}

		if err := m.Publish(ctx, decision.Object); err != nil {
			return err
		}

		m.metrics.Event(target.VRF.Name, metrics.OutcomePublished)

		return nil
	}
}

func outcomeOf(err error) metrics.Outcome {
	switch {
	case errors.Is(err, classify.ErrVetoed):
		return metrics.OutcomeVetoed
	case errors.Is(err, classify.ErrLookup):
		return metrics.OutcomeLookupError
	default:
		return metrics.OutcomeError
	}
}

func (m *Monitor) track(sock *nltransport.Socket) bool {
	m.socketsMu.Lock()
	defer m.socketsMu.Unlock()

	if m.stopping {
		return false
	}

	m.sockets[sock] = struct{}{}

	return true
}

func (m *Monitor) untrack(sock *nltransport.Socket) {
	m.socketsMu.Lock()
	delete(m.sockets, sock)
	m.socketsMu.Unlock()

	sock.Close()
}

func (m *Monitor) closeSockets() {
	m.socketsMu.Lock()
	m.stopping = true
	socks := make([]*nltransport.Socket, 0, len(m.sockets))
	for sock := range m.sockets {
		socks = append(socks, sock)
	}
	m.socketsMu.Unlock()

	for _, sock := range socks {
		sock.Close()
	}
}
