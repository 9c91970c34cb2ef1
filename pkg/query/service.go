// Package query answers synchronous interface queries from the cache, falling
// back to kernel dumps.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/cache"
	"github.com/jkoelker/linkbridged/pkg/classify"
	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/linkmsg"
	"github.com/jkoelker/linkbridged/pkg/metrics"
	"github.com/jkoelker/linkbridged/pkg/nltransport"
	"github.com/jkoelker/linkbridged/pkg/object"
)

var (
	// ErrNotSupported is returned for write requests.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNotFound is returned when a filter names an unknown interface.
	ErrNotFound = errors.New("interface not found")
)

const defaultSettingsCapacity = 64

// Service answers interface queries.
type Service struct {
	transport  *nltransport.Transport
	classifier *classify.Classifier
	cache      *ifcache.Cache

	defaultVRF   string
	defaultVRFID uint32

	settings      LinkSettingsReader
	oper          OperStatusReader
	settingsCache *cache.TTL[string, LinkSettings]

	metrics *metrics.Recorder
	log     *slog.Logger
}

// New builds a Service.
func New(
	transport *nltransport.Transport,
	classifier *classify.Classifier,
	ifaces *ifcache.Cache,
	opts ...func(*Service),
) *Service {
	svc := &Service{
		transport:  transport,
		classifier: classifier,
		cache:      ifaces,
		defaultVRF: nltransport.DefaultVRFName,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.log == nil {
		svc.log = slog.New(slog.DiscardHandler)
	}

	return svc
}

// GetInterfaces returns records for index, or every interface when getAll is
// set, optionally restricted to typeFilter (TypeUnknown matches all). The
// cache answers when it can; otherwise the kernel is asked with a GETLINK on
// a one-shot socket.
func (s *Service) GetInterfaces(
	ctx context.Context,
	index uint32,
	getAll bool,
	typeFilter ifcache.Type,
) ([]*object.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}

	if out, ok := s.fromCache(index, getAll, typeFilter); ok {
		s.metrics.Query(metrics.SourceCache)
		s.augment(out)

		return out, nil
	}

	out, err := s.fromKernel(index, getAll, typeFilter)
	if err != nil {
		return nil, err
	}

	s.metrics.Query(metrics.SourceKernel)
	s.augment(out)

	return out, nil
}

func (s *Service) fromCache(index uint32, getAll bool, typeFilter ifcache.Type) ([]*object.Object, bool) {
	if !getAll {
		rec, ok := s.cache.Get(index)
		if !ok {
			return nil, false
		}

		if !matches(rec.Type, typeFilter) {
			return []*object.Object{}, true
		}

		return []*object.Object{s.RecordObject(index, rec)}, true
	}

	if s.cache.Len() == 0 {
		return nil, false
	}

	var out []*object.Object
	s.cache.ForEach(func(index uint32, rec ifcache.Record) {
		if matches(rec.Type, typeFilter) {
			out = append(out, s.RecordObject(index, rec))
		}
	})

	return out, true
}

func (s *Service) fromKernel(index uint32, getAll bool, typeFilter ifcache.Type) ([]*object.Object, error) {
	sock, err := s.transport.CreateSocket(s.defaultVRF, nltransport.ClassInterface, false)
	if err != nil {
		return nil, fmt.Errorf("open query socket: %w", err)
	}
	defer sock.Close()

	msg := nl.NewIfInfomsg(unix.AF_UNSPEC)
	flags := unix.NLM_F_ACK
	if getAll {
		flags |= nltransport.DumpFlags
	} else {
		msg.Index = int32(index) //nolint:gosec // kernel indices fit in int32
	}

	seq := s.transport.NextSeq()
	if err := s.transport.SendRequest(sock, unix.RTM_GETLINK, flags, seq, msg); err != nil {
		return nil, fmt.Errorf("request links: %w", err)
	}

	var out []*object.Object

	handler := func(_ *nltransport.Socket, msgType uint16, frame syscall.NetlinkMessage, vrfID uint32) error {
		if !linkmsg.IsLinkMessage(msgType) {
			return nil
		}

		ev, err := linkmsg.Decode(msgType, frame.Data, vrfID)
		if err != nil {
			s.log.Warn("dropping undecodable link reply", "seq", seq, "err", err)

			return nil
		}

		decision, err := s.classifier.Classify(ev)
		if err != nil {
			s.log.Warn("dropping unclassifiable link reply", "index", ev.Index, "err", err)

			return nil
		}

		if !matches(decision.Details.Type, typeFilter) {
			return nil
		}

		decision.Object.Operation = object.OpNone
		out = append(out, decision.Object)

		return nil
	}

	if err := s.transport.Pump(sock, handler, &seq, s.defaultVRFID); err != nil {
		return nil, fmt.Errorf("read link replies: %w", err)
	}

	return out, nil
}

// CheckBridgeMembership asks the kernel whether memberIndex is enslaved to
// bridgeIndex. Any failure reports false.
func (s *Service) CheckBridgeMembership(bridgeIndex, memberIndex uint32) bool {
	sock, err := s.transport.CreateSocket(s.defaultVRF, nltransport.ClassInterface, false)
	if err != nil {
		s.log.Warn("open membership socket", "err", err)

		return false
	}
	defer sock.Close()

	msg := nl.NewIfInfomsg(unix.AF_UNSPEC)
	msg.Index = int32(memberIndex) //nolint:gosec // kernel indices fit in int32

	seq := s.transport.NextSeq()
	if err := s.transport.SendRequest(sock, unix.RTM_GETLINK, unix.NLM_F_ACK, seq, msg); err != nil {
		s.log.Warn("request member link", "member", memberIndex, "err", err)

		return false
	}

	var reply *linkmsg.Event

	handler := func(_ *nltransport.Socket, msgType uint16, frame syscall.NetlinkMessage, vrfID uint32) error {
		if reply != nil || !linkmsg.IsLinkMessage(msgType) {
			return nil
		}

		ev, err := linkmsg.Decode(msgType, frame.Data, vrfID)
		if err != nil {
			return fmt.Errorf("decode member link: %w", err)
		}

		reply = ev

		return nil
	}

	if err := s.transport.Pump(sock, handler, &seq, s.defaultVRFID); err != nil {
		s.log.Debug("member link query failed", "member", memberIndex, "err", err)

		return false
	}

	if reply == nil || reply.Index != memberIndex {
		return false
	}

	master, ok := reply.Master()

	return ok && master == bridgeIndex
}

// Read serves a framework read. The filter may carry an index, a name or a
// type; an empty filter returns every interface.
func (s *Service) Read(ctx context.Context, filter *object.Object) ([]*object.Object, error) {
	var typeFilter ifcache.Type
	if v, ok := filter.Get(object.AttrType); ok {
		typ, ok := v.(ifcache.Type)
		if !ok {
			return nil, fmt.Errorf("%w: type filter %v", ErrNotSupported, v)
		}

		typeFilter = typ
	}

	if index, ok := filter.Uint32(object.AttrIfIndex); ok {
		return s.GetInterfaces(ctx, index, false, typeFilter)
	}

	if name, ok := filter.String(object.AttrName); ok {
		index, found := s.cache.IndexByName(name)
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}

		return s.GetInterfaces(ctx, index, false, typeFilter)
	}

	return s.GetInterfaces(ctx, 0, true, typeFilter)
}

// Write rejects framework writes; interface state is owned by the kernel.
func (s *Service) Write(_ context.Context, _ *object.Object) error {
	return fmt.Errorf("%w: interface records are read-only", ErrNotSupported)
}

// RecordObject presents a cached record as a framework record.
func (s *Service) RecordObject(index uint32, rec ifcache.Record) *object.Object {
	obj := object.New()
	obj.Key = object.InterfaceKey
	obj.Operation = object.OpNone

	obj.Set(object.AttrIfIndex, index)
	obj.Set(object.AttrName, rec.Name)
	obj.Set(object.AttrEnabled, rec.AdminUp)
	obj.Set(object.AttrMTU, rec.MTU+classify.MTUOverhead)
	obj.Set(object.AttrType, rec.Type)
	obj.Set(object.AttrVRFID, s.defaultVRFID)
	obj.Set(object.AttrVRFName, s.defaultVRF)

	if rec.MAC != nil {
		obj.Set(object.AttrPhysAddress, rec.MAC.String())
	}

	if rec.Master != 0 {
		obj.Set(object.AttrMaster, rec.Master)
	}

	return obj
}

func (s *Service) augment(objs []*object.Object) {
	for _, obj := range objs {
		typ, _ := obj.Get(object.AttrType)
		if typ != ifcache.TypeManagement {
			continue
		}

		name, _ := obj.String(object.AttrName)
		vrfName, ok := obj.String(object.AttrVRFName)
		if !ok {
			vrfName = s.defaultVRF
		}

		s.augmentSettings(obj, name, vrfName)
		s.augmentOperStatus(obj, name, vrfName)
	}
}

func (s *Service) augmentSettings(obj *object.Object, name, vrfName string) {
	if s.settings == nil {
		return
	}

	settings, err := s.settingsCache.Load(vrfName+"/"+name, func(string) (LinkSettings, error) {
		return s.settings.LinkSettings(name, vrfName)
	})
	if err != nil {
		s.log.Debug("link settings unavailable", "name", name, "vrf", vrfName, "err", err)

		return
	}

	if settings.SpeedMbps > 0 {
		obj.Set(object.AttrSpeed, settings.SpeedMbps)
	}

	if settings.Duplex != "" {
		obj.Set(object.AttrDuplex, settings.Duplex)
	}

	if settings.AutoNeg != nil {
		obj.Set(object.AttrAutoNeg, *settings.AutoNeg)
	}
}

func (s *Service) augmentOperStatus(obj *object.Object, name, vrfName string) {
	if s.oper == nil {
		return
	}

	status, err := s.oper.OperStatus(name, vrfName)
	if err != nil {
		s.log.Debug("oper status unavailable", "name", name, "vrf", vrfName, "err", err)

		return
	}

	obj.Set(object.AttrOperStatus, status)
}

func matches(typ, filter ifcache.Type) bool {
	return filter == ifcache.TypeUnknown || typ == filter
}
