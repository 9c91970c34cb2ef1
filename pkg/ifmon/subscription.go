package ifmon

import (
	"context"
	"fmt"
	"sync"

	"github.com/jkoelker/linkbridged/pkg/object"
)

// Subscription delivers published interface records to a consumer.
type Subscription struct {
	Objects <-chan *object.Object

	cancel    func()
	closeOnce sync.Once
}

type subscription struct {
	id      uint64
	ch      chan *object.Object
	closeMu sync.Once
}

// Close terminates the subscription and releases its resources.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Subscribe registers a listener for published records. The returned
// Subscription must be closed by the caller to avoid leaks. The subscription
// automatically ends when ctx is canceled. Subscribing before Run guarantees
// no record is missed.
func (m *Monitor) Subscribe(ctx context.Context) (*Subscription, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("subscribe context closed: %w", ctx.Err())
	default:
	}

	sub := &subscription{ch: make(chan *object.Object, m.subscriberQueueLen)}

	m.subscribersMu.Lock()
	sub.id = m.nextID
	m.nextID++
	m.subscribers[sub.id] = sub
	m.subscribersMu.Unlock()

	go func() {
		<-ctx.Done()
		m.removeSubscriber(sub.id)
	}()

	return &Subscription{
		Objects: sub.ch,
		cancel: func() {
			m.removeSubscriber(sub.id)
		},
	}, nil
}

func (m *Monitor) broadcast(obj *object.Object) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub.ch <- obj:
		default:
			m.log.Warn("dropping interface record due to subscriber backlog", "subscriber", sub.id)
		}
	}
}

func (m *Monitor) removeSubscriber(id uint64) {
	m.subscribersMu.Lock()
	sub, ok := m.subscribers[id]
	if ok {
		delete(m.subscribers, id)
	}
	m.subscribersMu.Unlock()

	if !ok {
		return
	}

	sub.closeMu.Do(func() {
		close(sub.ch)
	})
}

func (m *Monitor) shutdownSubscribers() {
	m.subscribersMu.Lock()
	subs := make([]*subscription, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscribers = make(map[uint64]*subscription)
	m.subscribersMu.Unlock()

	for _, sub := range subs {
		sub.closeMu.Do(func() {
			close(sub.ch)
		})
	}
}
