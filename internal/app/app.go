// Package app wires the subsystems into a running relay: config
// loading and reload, logging, the routing handler, the accept loop, the
// admin server, and the optional discovery and prober background tasks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	dockerclient "github.com/docker/docker/client"
	"golang.org/x/time/rate"

	"mcrelay/internal/config"
	"mcrelay/internal/discovery"
	"mcrelay/internal/logging"
	"mcrelay/internal/prober"
	"mcrelay/internal/proxy"
	"mcrelay/internal/registry"
	"mcrelay/internal/router"
	"mcrelay/internal/server"
	"mcrelay/internal/telemetry"
)

// Run starts the relay and blocks until ctx is canceled or a fatal error
// occurs. Config load and listen-bind failures are returned to the
// caller; everything else is handled in place.
func Run(ctx context.Context, configPath string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	provider := config.NewFileConfigProvider(configPath)
	cfg, err := provider.Load(runCtx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logrt, err := logging.NewRuntime(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logrt.Close() }()
	slog.SetDefault(logrt.Logger())
	logger := slog.Default()

	logger.Info(
		"mcrelay: starting",
		"config", configPath,
		"listen_addr", cfg.Proxy.ListenAddr,
		"ui_addr", cfg.UI.ListenAddr,
		"static_routes", len(cfg.StaticRoutes),
		"discovery_docker", cfg.Discovery.Docker,
		"prober", cfg.Prober.Enabled,
	)

	cm := config.NewManager(provider, config.ManagerOptions{PollInterval: cfg.Reload.PollInterval, Logger: logger})
	cm.SetCurrent(cfg)

	metrics := telemetry.NewMetricsCollector()
	sessions := proxy.NewSessionRegistry()
	discovered := registry.New()

	handler := router.NewHandler(router.HandlerOptions{})

	applyCfg := func(oldCfg, newCfg *config.Config) error {
		if oldCfg != nil {
			if logrt.NeedsRestart(newCfg.Logging) {
				logger.Warn("logging config changed (restart required for format/output/buffer)")
			}
			if oldCfg.Proxy.ListenAddr != newCfg.Proxy.ListenAddr {
				logger.Warn("proxy.listen_address changed (restart required)")
			}
			if oldCfg.UI.ListenAddr != newCfg.UI.ListenAddr {
				logger.Warn("ui.listen_address changed (restart required)")
			}
		}
		if err := logrt.Apply(newCfg.Logging); err != nil {
			logger.Warn("apply logging config failed", "err", err)
		}

		// Rotate the routing options for new connections. A fresh
		// responder cache per snapshot means a reload never serves a
		// stale placeholder frame.
		handler.Update(router.HandlerOptions{
			Resolver: registry.NewResolver(newCfg.StaticRoutes, discovered),
			Dialer:   proxy.NewNetDialer(&proxy.NetDialerOptions{Timeout: newCfg.Timeouts.PingTimeout}),
			Pump:     proxy.NewPump(proxy.PumpOptions{BufferPool: proxy.NewSyncPoolBufferPool(newCfg.Proxy.BufferSize), Metrics: metrics}),
			Responder: &proxy.Responder{
				Cache:    proxy.NewStatusCache(),
				CacheTTL: 10 * time.Second,
			},
			Placeholders: router.Placeholders{
				Offline:   newCfg.Placeholder.Offline,
				NoMapping: newCfg.Placeholder.NoMapping,
				Kick:      newCfg.Placeholder.KickMessage,
			},
			PingTimeout:     newCfg.Timeouts.PingTimeout,
			ProxyProtocolV2: newCfg.Proxy.ProxyProtocolV2,
			Logger:          logger,
			Metrics:         metrics,
			Sessions:        sessions,
		})
		return nil
	}

	if err := applyCfg(nil, cfg); err != nil {
		return err
	}
	cm.Subscribe(func(oldCfg, newCfg *config.Config) {
		if err := applyCfg(oldCfg, newCfg); err != nil {
			logger.Error("apply config failed", "err", err)
		}
	})
	if cfg.Reload.Enabled {
		cm.Start(runCtx)
	}

	if cfg.Discovery.Docker {
		startDiscovery(runCtx, cfg, discovered, logger)
	}
	if cfg.Prober.Enabled {
		go proberLoop(runCtx, cfg.Prober, cm, discovered, metrics, logger)
	}

	tcpServer := server.NewTCPServer(cfg.Proxy.ListenAddr, handler, logger)

	var admin *telemetry.AdminServer
	if cfg.UI.ListenAddr != "" {
		admin = telemetry.NewAdminServer(telemetry.AdminServerOptions{
			Addr:     cfg.UI.ListenAddr,
			Metrics:  metrics,
			Sessions: sessions,
			Logs:     logStore(logrt),
			Reload: func(ctx context.Context) error {
				return cm.ReloadNow(ctx)
			},
			ConfigText: func() string {
				return formatConfig(cm.Current(), discovered)
			},
			Health: func() bool {
				return tcpServer.IsListening()
			},
		})
		go func() {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", "err", err)
				cancel()
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := tcpServer.ListenAndServe(runCtx); err != nil {
			select {
			case errCh <- err:
			default:
			}
			cancel()
		}
	}()

	<-runCtx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", "err", err)
		}
	}
	if err := tcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tcp shutdown", "err", err)
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	logger.Info("mcrelay exited")
	return nil
}

// logStore adapts a possibly-nil line store to the admin server's
// optional Logs dependency.
func logStore(rt *logging.Runtime) interface{ Snapshot(limit int) []string } {
	if s := rt.Store(); s != nil {
		return s
	}
	return nil
}

func startDiscovery(ctx context.Context, cfg *config.Config, discovered *registry.Registry, logger *slog.Logger) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		// Discovery is optional; a missing daemon must not take the
		// relay down.
		logger.Error("discovery: docker client init failed, discovery disabled", "err", err)
		return
	}
	w := &discovery.Watcher{
		Client:   cli,
		Registry: discovered,
		Logger:   logger,
		Backoff:  cfg.Discovery.ReconnectBackoff,
	}
	go func() {
		defer cli.Close()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("discovery stopped", "err", err)
		}
	}()
}

// proberLoop periodically fans out Server List Pings against every
// distinct upstream known to the current snapshot and the discovery
// registry, recording the outcomes as metrics.
func proberLoop(ctx context.Context, pc config.ProberConfig, cm *config.Manager, discovered *registry.Registry, metrics *telemetry.MetricsCollector, logger *slog.Logger) {
	var limiter *rate.Limiter
	if pc.DialsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pc.DialsPerSecond), 1)
	}
	p := prober.New(limiter)

	ticker := time.NewTicker(pc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		upstreams := probeTargets(cm.Current(), discovered)
		if len(upstreams) == 0 {
			continue
		}

		tickCtx, cancel := context.WithTimeout(ctx, pc.Interval)
		results := p.Collect(tickCtx, upstreams)
		cancel()

		now := time.Now()
		for _, res := range results {
			metrics.SetUpstreamHealth(res.Upstream.String(), telemetry.UpstreamHealth{
				Reachable:     res.Reachable,
				RTT:           res.RTT,
				VersionName:   res.ProtocolName,
				OnlinePlayers: res.OnlinePlayers,
				MaxPlayers:    res.MaxPlayers,
				ProbedAt:      now,
			})
			if !res.Reachable {
				logger.Debug("prober: upstream unreachable", "upstream", res.Upstream.String())
			}
		}
	}
}

// probeTargets returns the distinct upstreams from the static routes and
// the discovery registry.
func probeTargets(cfg *config.Config, discovered *registry.Registry) []registry.Upstream {
	seen := map[registry.Upstream]struct{}{}
	var out []registry.Upstream
	add := func(u registry.Upstream) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if cfg != nil {
		for _, u := range cfg.StaticRoutes {
			add(u)
		}
	}
	for _, server := range discovered.Snapshot() {
		add(server.Upstream)
	}
	return out
}

// formatConfig renders the current snapshot for the admin /-/config
// endpoint. Placeholder payloads are summarized, not dumped.
func formatConfig(cfg *config.Config, discovered *registry.Registry) string {
	if cfg == nil {
		return "no config loaded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "proxy.listen_address: %s\n", cfg.Proxy.ListenAddr)
	if cfg.UI.ListenAddr != "" {
		fmt.Fprintf(&b, "ui.listen_address: %s\n", cfg.UI.ListenAddr)
	}
	fmt.Fprintf(&b, "ping_timeout: %s\n", cfg.Timeouts.PingTimeout)
	fmt.Fprintf(&b, "placeholders: offline=%t no_mapping=%t\n", cfg.Placeholder.Offline != nil, cfg.Placeholder.NoMapping != nil)

	hosts := make([]string, 0, len(cfg.StaticRoutes))
	for h := range cfg.StaticRoutes {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	fmt.Fprintf(&b, "static routes (%d):\n", len(hosts))
	for _, h := range hosts {
		fmt.Fprintf(&b, "  %s -> %s\n", h, cfg.StaticRoutes[h].String())
	}

	servers := discovered.Snapshot()
	fmt.Fprintf(&b, "discovered servers (%d):\n", len(servers))
	ids := make([]registry.ServerID, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		s := servers[id]
		fmt.Fprintf(&b, "  %s: %v -> %s\n", id.String(), s.Hostnames, s.Upstream.String())
	}
	return b.String()
}
