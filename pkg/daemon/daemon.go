package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jkoelker/linkbridged/pkg/classify"
	"github.com/jkoelker/linkbridged/pkg/config"
	"github.com/jkoelker/linkbridged/pkg/iface"
	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/ifmon"
	"github.com/jkoelker/linkbridged/pkg/metrics"
	"github.com/jkoelker/linkbridged/pkg/nltransport"
	"github.com/jkoelker/linkbridged/pkg/object"
	"github.com/jkoelker/linkbridged/pkg/query"
	"github.com/jkoelker/linkbridged/pkg/vrf"
)

const defaultComponentCapacity = 2

var (
	ErrNilConfig = errors.New("configuration is nil")
	ErrNilLogger = errors.New("logger is nil")
)

type component interface {
	Run(ctx context.Context) error
	Name() string
}

// Daemon wires the transport, classifier, monitor and query service
// described by a Config.
type Daemon struct {
	components []component
	log        *slog.Logger

	dial      nltransport.DialFunc
	registry  *prometheus.Registry
	publisher object.Publisher

	vrfs    *vrf.Directory
	cache   *ifcache.Cache
	monitor *ifmon.Monitor
	query   *query.Service
}

// WithDialer replaces how kernel sockets are opened.
func WithDialer(fn nltransport.DialFunc) func(*Daemon) {
	return func(d *Daemon) {
		d.dial = fn
	}
}

// WithRegistry sets the prometheus registry metrics are exported from.
func WithRegistry(reg *prometheus.Registry) func(*Daemon) {
	return func(d *Daemon) {
		d.registry = reg
	}
}

// WithPublisher sets where published interface records are delivered. The
// default logs each record.
func WithPublisher(pub object.Publisher) func(*Daemon) {
	return func(d *Daemon) {
		d.publisher = pub
	}
}

func New(cfg *config.Config, logger *slog.Logger, opts ...func(*Daemon)) (*Daemon, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	daemon := &Daemon{log: logger.With("component", "daemon")}
	for _, opt := range opts {
		opt(daemon)
	}

	if daemon.registry == nil {
		daemon.registry = prometheus.NewRegistry()
		daemon.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if daemon.publisher == nil {
		daemon.publisher = newLogPublisher(logger.With("component", "records"))
	}

	if err := daemon.build(cfg, logger); err != nil {
		return nil, err
	}

	return daemon, nil
}

func (d *Daemon) build(cfg *config.Config, logger *slog.Logger) error {
	dir, err := cfg.Directory()
	if err != nil {
		return err
	}

	classes, err := cfg.Classes()
	if err != nil {
		return err
	}

	recorder, err := metrics.New(d.registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	cache := ifcache.New()
	if err := recorder.WatchCache(cache.Len); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	transportOpts := []func(*nltransport.Transport){
		nltransport.WithLogger(logger.With("component", "nltransport")),
		nltransport.WithNamespaceFunc(dir.Namespace),
	}
	if d.dial != nil {
		transportOpts = append(transportOpts, nltransport.WithDialer(d.dial))
	}

	transport := nltransport.New(transportOpts...)
	def := dir.Default()

	classifier := classify.New(cache, dir,
		classify.WithLogger(logger.With("component", "classify")),
		classify.WithRegistry(classify.DefaultRegistry(cache, cfg.ManagementPrefixes...)),
		classify.WithNameResolver(iface.NewResolver(cache)),
		classify.WithDefaultVRF(def.ID),
	)

	d.vrfs = dir
	d.cache = cache
	d.query = query.New(transport, classifier, cache, d.queryOptions(cfg, logger, def, recorder)...)
	d.monitor = ifmon.New(transport, classifier, targets(dir, classes),
		ifmon.WithLogger(logger.With("component", "ifmon")),
		ifmon.WithSubscriberQueue(cfg.QueueSize),
		ifmon.WithRefresh(cfg.Refresh()),
		ifmon.WithRestartBackoff(cfg.Restart.InitialInterval, cfg.Restart.MaxInterval),
		ifmon.WithMetrics(recorder),
	)

	d.components = make([]component, 0, defaultComponentCapacity)
	d.components = append(d.components, &monitorComponent{
		monitor: d.monitor,
		handler: ifmon.Publisher(d.publisher, logger.With("component", "publisher")),
	})

	if cfg.Metrics.Listen != "" {
		d.components = append(d.components, newMetricsServer(
			cfg.Metrics.Listen,
			d.registry,
			logger.With("component", "metrics"),
		))
	}

	return nil
}

func (d *Daemon) queryOptions(
	cfg *config.Config,
	logger *slog.Logger,
	def vrf.VRF,
	recorder *metrics.Recorder,
) []func(*query.Service) {
	opts := []func(*query.Service){
		query.WithLogger(logger.With("component", "query")),
		query.WithDefaultVRF(def.Name, def.ID),
		query.WithOperStatus(query.NewNetlinkOperStatus(d.vrfs.Namespace)),
		query.WithMetrics(recorder),
	}

	settings, err := query.NewSysfsLinkSettings(cfg.Query.SysfsPath)
	if err != nil {
		d.log.Warn("link settings unavailable", "sysfs", cfg.Query.SysfsPath, "err", err)

		return opts
	}

	return append(opts, query.WithLinkSettings(settings, cfg.Query.LinkSettingsTTL))
}

func targets(dir *vrf.Directory, classes []nltransport.Class) []ifmon.Target {
	all := dir.All()

	out := make([]ifmon.Target, 0, len(all)*len(classes))
	for _, v := range all {
		for _, class := range classes {
			out = append(out, ifmon.Target{VRF: v, Class: class})
		}
	}

	return out
}

// Query returns the synchronous interface query service.
func (d *Daemon) Query() *query.Service {
	return d.query
}

// Cache returns the default VRF interface cache.
func (d *Daemon) Cache() *ifcache.Cache {
	return d.cache
}

// Monitor returns the link event monitor.
func (d *Daemon) Monitor() *ifmon.Monitor {
	return d.monitor
}

func (d *Daemon) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, comp := range d.components {
		group.Go(func() error {
			d.log.Info("starting component", "name", comp.Name())
			err := comp.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("component exited with error", "name", comp.Name(), "err", err)

				return fmt.Errorf("component %s: %w", comp.Name(), err)
			}

			d.log.Info("component stopped", "name", comp.Name())

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon components: %w", err)
	}

	return nil
}

type monitorComponent struct {
	monitor *ifmon.Monitor
	handler ifmon.ObjectHandler
}

func (m *monitorComponent) Name() string {
	return "ifmon"
}

func (m *monitorComponent) Run(ctx context.Context) error {
	if err := ifmon.NewWatcher(m.monitor).Start(ctx, m.handler); err != nil {
		return fmt.Errorf("start interface watcher: %w", err)
	}

	<-m.monitor.Done()

	return nil
}
