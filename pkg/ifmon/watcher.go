package ifmon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkoelker/linkbridged/pkg/object"
)

// ObjectHandler consumes records forwarded by the monitor.
type ObjectHandler func(context.Context, *object.Object)

// Watcher coordinates a subscription to the monitor and dispatches published
// records to a handler.
type Watcher struct {
	monitor *Monitor
}

// NewWatcher builds a Watcher bound to the provided Monitor.
func NewWatcher(m *Monitor) *Watcher {
	return &Watcher{monitor: m}
}

// Start subscribes to the monitor, ensures it is running, and dispatches
// records to handler until ctx is canceled or the monitor stops.
func (w *Watcher) Start(ctx context.Context, handler ObjectHandler) error {
	if ctx == nil {
		return ErrNilContext
	}

	if w == nil || w.monitor == nil {
		return ErrNotConfigured
	}

	sub, err := w.monitor.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe interface monitor: %w", err)
	}

	if err := w.monitor.Run(ctx); err != nil {
		sub.Close()

		return fmt.Errorf("run interface monitor: %w", err)
	}

	go w.consume(ctx, sub, handler)

	return nil
}

// Publisher adapts an object.Publisher into a handler. Delivery failures are
// logged to logger and the record is dropped.
func Publisher(pub object.Publisher, logger *slog.Logger) ObjectHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return func(ctx context.Context, obj *object.Object) {
		if err := pub.Publish(ctx, obj); err != nil {
			index, _ := obj.Uint32(object.AttrIfIndex)
			name, _ := obj.String(object.AttrName)

			logger.WarnContext(ctx, "failed to publish interface record",
				"key", obj.Key,
				"ifindex", index,
				"ifname", name,
				"err", err,
			)
		}
	}
}

func (w *Watcher) consume(ctx context.Context, sub *Subscription, handler ObjectHandler) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case obj, ok := <-sub.Objects:
			if !ok {
				return
			}

			if handler != nil {
				handler(ctx, obj)
			}
		}
	}
}
