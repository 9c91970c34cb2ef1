package daemon

import (
	"context"
	"log/slog"

	"github.com/jkoelker/linkbridged/pkg/object"
)

type logPublisher struct {
	log *slog.Logger
}

func newLogPublisher(logger *slog.Logger) *logPublisher {
	return &logPublisher{log: logger}
}

func (p *logPublisher) Publish(ctx context.Context, obj *object.Object) error {
	if obj == nil {
		return nil
	}

	name, _ := obj.String(object.AttrName)
	index, _ := obj.Uint32(object.AttrIfIndex)

	p.log.InfoContext(ctx, "interface record",
		"key", obj.Key,
		"operation", obj.Operation.String(),
		"ifname", name,
		"ifindex", index,
		"attributes", obj.Attrs(),
	)

	return nil
}
