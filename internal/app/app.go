// Package app initializes and holds the long-lived client services and acts
// as the dependency injection container for the CLI. One App owns one
// progress channel session.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/api"
	"github.com/JakeFAU/mdimg-client/internal/channel"
	"github.com/JakeFAU/mdimg-client/internal/clock/system"
	"github.com/JakeFAU/mdimg-client/internal/config"
	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/id/uuid"
	"github.com/JakeFAU/mdimg-client/internal/logging"
	"github.com/JakeFAU/mdimg-client/internal/metrics"
	"github.com/JakeFAU/mdimg-client/internal/policy/ratelimit"
	"github.com/JakeFAU/mdimg-client/internal/progress"
	"github.com/JakeFAU/mdimg-client/internal/progress/sinks"
	amqppub "github.com/JakeFAU/mdimg-client/internal/publisher/amqp"
	memorypub "github.com/JakeFAU/mdimg-client/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/mdimg-client/internal/publisher/pubsub"
	"github.com/JakeFAU/mdimg-client/internal/storage/gcs"
	"github.com/JakeFAU/mdimg-client/internal/storage/local"
	"github.com/JakeFAU/mdimg-client/internal/storage/memory"
	"github.com/JakeFAU/mdimg-client/internal/storage/postgres"
	"github.com/JakeFAU/mdimg-client/internal/store"
	"github.com/JakeFAU/mdimg-client/internal/submit"
	"github.com/JakeFAU/mdimg-client/internal/telemetry"
	"github.com/JakeFAU/mdimg-client/internal/view"
)

const (
	closeTimeout      = 10 * time.Second
	memoryNotifyLimit = 256
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	out        io.Writer
	logger     *zap.Logger
	dialer     channel.Dialer
	scheduler  channel.Scheduler
	httpClient *http.Client
	history    store.HistoryRepository
	blobs      convert.BlobStore
	publisher  convert.Publisher
	clock      convert.Clock
}

// WithOutput sets the writer the progress view renders to (default stdout).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithLogger replaces the configured zap logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDialer replaces the WebSocket dialer.
func WithDialer(d channel.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithScheduler replaces the reconnect timer source.
func WithScheduler(s channel.Scheduler) Option { return func(o *options) { o.scheduler = s } }

// WithHTTPClient replaces the submit client's HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithHistory replaces the configured history repository.
func WithHistory(r store.HistoryRepository) Option { return func(o *options) { o.history = r } }

// WithBlobStore replaces the configured artifact store.
func WithBlobStore(b convert.BlobStore) Option { return func(o *options) { o.blobs = b } }

// WithPublisher replaces the configured completion publisher.
func WithPublisher(p convert.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithClock replaces the wall clock.
func WithClock(c convert.Clock) Option { return func(o *options) { o.clock = c } }

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared services for one client process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	channel   *channel.Channel
	submitter *submit.Client
	hub       *progress.Hub
	history   store.HistoryRepository
	blobs     convert.BlobStore
	publisher convert.Publisher
	view      *view.Terminal
	clock     convert.Clock
	ids       *uuid.Generator

	unregisterView func()
	opsCancel      context.CancelFunc
	opsDone        chan error
	closers        []closer
	closed         bool
}

// New builds every service named by cfg. It fails fast: a collaborator that
// cannot be initialized aborts startup and releases what was already built.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
	}
	clock := o.clock
	if clock == nil {
		clock = system.New(time.Microsecond)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		clock:   clock,
		ids:     uuid.New(),
	}
	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	var err error
	a.logger.Debug("initializing application services")

	if a.history, err = a.buildHistory(ctx, o.history); err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	if a.blobs, err = a.buildBlobStore(ctx, o.blobs); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if a.publisher, err = a.buildPublisher(ctx, o.publisher); err != nil {
		return fmt.Errorf("init notify: %w", err)
	}
	if a.hub, err = a.buildHub(); err != nil {
		return fmt.Errorf("init progress hub: %w", err)
	}

	var transport http.RoundTripper
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: a.cfg.Tracing.ServiceName,
			SampleRatio: a.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.addCloser("tracing", tp.Shutdown)
		transport = telemetry.Transport(nil)
	}

	chMetrics, err := channel.NewMetrics(a.metrics.Registerer())
	if err != nil {
		return err
	}
	a.channel, err = channel.New(channel.Config{
		BaseURL:     a.cfg.Backend.BaseURL,
		IDGenerator: a.ids,
		Backoff: channel.Backoff{
			BaseDelay:  a.cfg.BaseDelay(),
			MaxDelay:   a.cfg.MaxDelay(),
			MaxRetries: a.cfg.Channel.MaxRetries,
		},
		DialTimeout: a.cfg.DialTimeout(),
		Dialer:      o.dialer,
		Scheduler:   o.scheduler,
		Metrics:     chMetrics,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("init progress channel: %w", err)
	}

	a.submitter, err = submit.New(submit.Config{
		BaseURL:     a.cfg.Backend.BaseURL,
		UploadPath:  a.cfg.Backend.UploadPath,
		ConvertPath: a.cfg.Backend.ConvertPath,
		Timeout:     a.cfg.BackendTimeout(),
		MaxFileSize: a.cfg.MaxFileSize(),
		HTTPClient:  o.httpClient,
		Transport:   transport,
		Clock:       a.clock,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("init submit client: %w", err)
	}

	a.view = view.NewTerminal(o.out, view.Options{Color: a.cfg.View.Color, MaxRetries: a.cfg.Channel.MaxRetries})
	a.unregisterView = a.channel.Register(a.view)

	if a.cfg.Ops.Addr != "" {
		a.startOps()
	}
	a.logger.Debug("application services initialized", zap.String("client_id", a.channel.ClientID()))
	return nil
}

func (a *App) buildHistory(ctx context.Context, override store.HistoryRepository) (store.HistoryRepository, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.History.Backend {
	case "postgres":
		hs, err := postgres.NewHistoryStore(ctx, postgres.Config{
			DSN:      a.cfg.History.DSN,
			Table:    a.cfg.History.Table,
			MaxConns: a.cfg.History.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		a.addCloser("history", func(context.Context) error { hs.Close(); return nil })
		if err := hs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using postgres job history", zap.String("table", a.cfg.History.Table))
		return hs, nil
	default:
		return memory.NewHistoryStore(), nil
	}
}

func (a *App) buildBlobStore(ctx context.Context, override convert.BlobStore) (convert.BlobStore, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.Storage.Backend {
	case "gcs":
		bs, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix}, nil, a.logger)
		if err != nil {
			return nil, err
		}
		a.addCloser("storage", func(context.Context) error { return bs.Close() })
		a.logger.Info("archiving artifacts to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return bs, nil
	case "memory":
		return memory.NewBlobStore(), nil
	default:
		bs, err := local.New(local.Config{BaseDir: a.cfg.Storage.Local.BaseDir, Overwrite: a.cfg.Storage.Local.Overwrite})
		if err != nil {
			return nil, err
		}
		return bs, nil
	}
}

func (a *App) buildPublisher(ctx context.Context, override convert.Publisher) (convert.Publisher, error) {
	if override != nil {
		return override, nil
	}
	n := a.cfg.Notify
	switch n.Backend {
	case "pubsub":
		p, err := pubsubpub.Open(ctx, n.ProjectID, n.TopicName)
		if err != nil {
			return nil, err
		}
		a.addCloser("pubsub", func(context.Context) error { return p.Close() })
		return p, nil
	case "amqp":
		p, err := amqppub.Dial(amqppub.Config{URL: n.AMQPURL, Exchange: n.Exchange, RoutingKey: n.RoutingKey})
		if err != nil {
			return nil, err
		}
		a.addCloser("amqp", func(context.Context) error { return p.Close() })
		return p, nil
	case "memory":
		return memorypub.New(memoryNotifyLimit), nil
	default:
		return nil, nil
	}
}

func (a *App) notifyTopic() string {
	if a.cfg.Notify.Backend == "amqp" {
		return a.cfg.Notify.RoutingKey
	}
	return a.cfg.Notify.TopicName
}

func (a *App) buildHub() (*progress.Hub, error) {
	p := a.cfg.Progress
	var sinkList []progress.Sink
	if p.Enabled {
		promSink, err := sinks.NewPrometheusSink(a.metrics.Registerer())
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, promSink, sinks.NewStoreSink(a.history, a.logger.Named("history")))
		if p.LogEnabled {
			sinkList = append(sinkList, sinks.NewLogSink(a.logger))
		}
		if a.publisher != nil {
			sinkList = append(sinkList, sinks.NewNotifySink(a.publisher, a.notifyTopic(), a.logger))
		}
	}
	return progress.NewHub(progress.Config{
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(p.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(p.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger,
	}, sinkList...), nil
}

func (a *App) startOps() {
	ctx, cancel := context.WithCancel(context.Background())
	a.opsCancel = cancel
	a.opsDone = make(chan error, 1)
	var opts []api.Option
	if a.cfg.Ops.RateLimitRPS > 0 {
		opts = append(opts, api.WithRateLimiter(ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Ops.RateLimitRPS,
			Burst: a.cfg.Ops.RateLimitBurst,
		})))
	}
	srv := api.NewServer(a.channel, a.history, a.metrics, a.logger, opts...)
	go func() {
		a.opsDone <- srv.ListenAndServe(ctx, a.cfg.Ops.Addr)
	}()
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Channel exposes the progress channel session.
func (a *App) Channel() *channel.Channel { return a.channel }

// History returns the job history repository.
func (a *App) History() store.HistoryRepository { return a.history }

// Metrics returns the process metrics registry.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Close shuts services down in dependency order: the ops server and the
// progress channel first, then the hub so sinks flush, then the stores and
// publishers the sinks write to. It is safe to call more than once.
func (a *App) Close() {
	if a == nil || a.closed {
		return
	}
	a.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.unregisterView != nil {
		a.unregisterView()
	}
	if a.opsCancel != nil {
		a.opsCancel()
		if err := <-a.opsDone; err != nil {
			a.logger.Warn("ops server stopped with error", zap.Error(err))
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.logger.Warn("error closing progress channel", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("error flushing progress hub", zap.Error(err))
		}
		if stats := a.hub.Stats(); stats.Dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", stats.Dropped))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}
