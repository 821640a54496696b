package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/bridge"
	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/health"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
	"github.com/alanyoungcy/tradedesk/internal/recorder"
	"github.com/alanyoungcy/tradedesk/internal/server"
	"github.com/alanyoungcy/tradedesk/internal/server/handler"
	"github.com/alanyoungcy/tradedesk/internal/server/proxy"
	"github.com/alanyoungcy/tradedesk/internal/server/ws"
	"github.com/alanyoungcy/tradedesk/internal/stream"
)

const shutdownGrace = 5 * time.Second

// liveStream is the upstream stream connection and what hangs off it.
type liveStream struct {
	conn     *stream.Conn
	bridge   *bridge.Bridge
	recorder *recorder.Recorder
}

// FullMode holds the upstream stream and serves the dashboard API, proxy and
// WebSocket fan-out from the same process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	store := livestore.New()

	hub := ws.NewHub(ws.Config{Store: store, Bus: deps.SignalBus, Channel: stream.BusChannel}, a.logger)
	ls, err := a.buildStream(deps, store, hub.Toast)
	if err != nil {
		return err
	}
	g.Go(func() error { return hub.Run(ctx) })
	a.runStream(ctx, g, ls)
	a.runHealth(ctx, g, deps, store)

	if a.cfg.NeedsServer() {
		a.startHTTPServer(ctx, g, deps, store, ls, hub)
	}
	return g.Wait()
}

// StreamMode holds the upstream stream without serving HTTP. Frames reach
// other processes through the shared bus, the journal and the recorder.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")
	if !deps.SharedBus {
		a.logger.WarnContext(ctx, "redis disabled; stream frames stay in this process")
	}

	g, ctx := errgroup.WithContext(ctx)
	store := livestore.New()

	ls, err := a.buildStream(deps, store, nil)
	if err != nil {
		return err
	}
	a.runStream(ctx, g, ls)
	a.runHealth(ctx, g, deps, store)
	return g.Wait()
}

// ProxyMode serves the API and proxy without an upstream stream of its own.
// With a shared bus it follows a stream-mode process and mirrors its frames
// into the local store and hub.
func (a *App) ProxyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting proxy mode", slog.Bool("follow_bus", deps.SharedBus))

	g, ctx := errgroup.WithContext(ctx)
	store := livestore.New()

	var hubCfg ws.Config
	hubCfg.Store = store
	if deps.SharedBus {
		hubCfg.Bus = deps.SignalBus
		hubCfg.Channel = stream.BusChannel
	}
	hub := ws.NewHub(hubCfg, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	if deps.SharedBus {
		// No Bus here: republishing would loop.
		follower := stream.NewDispatcher(store, stream.DispatcherConfig{
			MaxAlerts: a.cfg.Stream.MaxAlerts,
			OnToast:   hub.Toast,
		}, a.logger)
		g.Go(func() error { return a.followBus(ctx, deps.SignalBus, follower) })
	}
	a.runHealth(ctx, g, deps, store)

	if a.cfg.NeedsServer() {
		a.startHTTPServer(ctx, g, deps, store, nil, hub)
	}
	return g.Wait()
}

// buildStream wires the transport, dispatcher, bridge and recorder. onToast
// may be nil.
func (a *App) buildStream(deps *Dependencies, store *livestore.Store, onToast func(domain.Alert)) (*liveStream, error) {
	sc := a.cfg.Stream

	var transport stream.Transport
	switch sc.Transport {
	case "sse":
		u, err := stream.BuildSSEURL(a.cfg.Upstream.BaseURL, sc.SSEPath)
		if err != nil {
			return nil, fmt.Errorf("app: stream: %w", err)
		}
		transport = stream.NewSSETransport(u, a.cfg.Upstream.APIKey, nil)
	default:
		u, err := stream.BuildWSURL(sc.WSURL, a.cfg.Upstream.BaseURL, a.cfg.Upstream.APIKey)
		if err != nil {
			return nil, fmt.Errorf("app: stream: %w", err)
		}
		transport = stream.NewWSTransport(u, a.cfg.Upstream.APIKey)
	}

	ls := &liveStream{}
	dcfg := stream.DispatcherConfig{
		MaxAlerts: sc.MaxAlerts,
		Prices:    deps.PriceCache,
		Bus:       deps.SignalBus,
		Journal:   deps.AlertJournal,
		OnToast:   onToast,
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		dcfg.Notifier = deps.Notifier
	}
	if a.cfg.Recorder.Enabled && deps.BlobWriter != nil {
		ls.recorder = recorder.New(deps.BlobWriter, recorder.Config{
			FlushInterval: a.cfg.Recorder.FlushInterval.Duration,
			MaxBatch:      a.cfg.Recorder.MaxBatch,
			Prefix:        a.cfg.Recorder.Prefix,
		}, a.logger)
		dcfg.Recorder = ls.recorder
	}
	dispatcher := stream.NewDispatcher(store, dcfg, a.logger)

	ls.bridge = bridge.New(store, deps.Upstream, a.logger)
	policy := backoff.New(sc.BaseDelay.Duration, sc.MaxDelay.Duration, sc.MaxAttempts)
	policy.Jitter = sc.Jitter
	ls.conn = stream.NewConn(transport, ls.bridge.Handlers(dispatcher.Handlers()), stream.Options{
		Policy:      policy,
		DialTimeout: sc.DialTimeout.Duration,
		Logger:      a.logger,
	})
	ls.bridge.Attach(ls.conn)
	return ls, nil
}

// runStream starts the stream and, when configured, the recorder and the
// initial subscription. The stream is disconnected when ctx is done.
func (a *App) runStream(ctx context.Context, g *errgroup.Group, ls *liveStream) {
	if ls.recorder != nil {
		g.Go(func() error { return ls.recorder.Run(ctx) })
	}
	g.Go(func() error {
		ls.bridge.Start(ctx)
		if symbols := a.cfg.Stream.Symbols; len(symbols) > 0 {
			if _, err := ls.bridge.StartStreaming(ctx, symbols); err != nil {
				a.logger.WarnContext(ctx, "initial subscription failed",
					slog.Any("symbols", symbols),
					slog.String("error", err.Error()),
				)
			}
		}
		<-ctx.Done()
		ls.bridge.Stop()
		return ctx.Err()
	})
}

func (a *App) runHealth(ctx context.Context, g *errgroup.Group, deps *Dependencies, store *livestore.Store) {
	hc := a.cfg.Health
	retry := backoff.New(hc.RetryBase.Duration, hc.RetryMax.Duration, hc.RetryAttempts)
	monitor := health.NewMonitor(func(ctx context.Context) error {
		_, err := deps.Upstream.Health(ctx)
		return err
	}, store, health.Config{
		Interval: hc.Interval.Duration,
		Timeout:  hc.Timeout.Duration,
		Retry:    retry,
	}, a.logger)
	g.Go(func() error { return monitor.Run(ctx) })
}

// followBus applies frames published by a stream-mode process.
func (a *App) followBus(ctx context.Context, bus domain.SignalBus, d *stream.Dispatcher) error {
	msgs, err := bus.Subscribe(ctx, stream.BusChannel)
	if err != nil {
		return fmt.Errorf("app: follow bus: %w", err)
	}
	a.logger.InfoContext(ctx, "following stream bus", slog.String("channel", stream.BusChannel))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			msg := stream.Decode(frame)
			if msg == nil {
				a.logger.DebugContext(ctx, "dropping malformed bus frame", slog.Int("bytes", len(frame)))
				continue
			}
			d.HandleMessage(msg)
		}
	}
}

// startHTTPServer adds the HTTP server to g. ls is nil when this process does
// not hold the stream; the local stream routes are then left out and the
// retry route answers 409.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	store *livestore.Store,
	ls *liveStream,
	hub *ws.Hub,
) {
	var opts []proxy.Option
	if deps.AuditStore != nil {
		opts = append(opts, proxy.WithAudit(deps.AuditStore))
	}
	if deps.LockManager != nil {
		opts = append(opts, proxy.WithLocks(deps.LockManager))
	}
	px, err := proxy.New(proxy.Config{
		BaseURL: a.cfg.Upstream.BaseURL,
		APIKey:  a.cfg.Upstream.APIKey,
		Timeout: a.cfg.Upstream.Timeout.Duration,
	}, deps.Upstream, a.logger, opts...)
	if err != nil {
		g.Go(func() error { return fmt.Errorf("app: %w", err) })
		return
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(store, a.logger),
		Alerts: handler.NewAlertHandler(store, deps.AlertJournal, a.logger),
		Proxy:  px,
	}
	if ls != nil {
		handlers.State = handler.NewStateHandler(store, ls.conn, a.logger)
		handlers.Stream = handler.NewStreamHandler(ls.bridge, a.logger)
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, a.cfg.Stream.Transport, ls.bridge, hub)
	} else {
		handlers.State = handler.NewStateHandler(store, nil, a.logger)
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, a.cfg.Stream.Transport, nil, hub)
	}
	if deps.BlobReader != nil {
		handlers.Recordings = handler.NewRecordingHandler(deps.BlobReader, a.cfg.Recorder.Prefix, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,

		TrustProxyHeaders: a.cfg.Server.TrustProxyHeaders,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Run(ctx, shutdownGrace)
	})
}
