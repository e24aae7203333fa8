// Package discovery watches the local Docker daemon for labeled
// containers and keeps the dynamic server registry in sync with them:
// a container starting registers its hostnames, a container stopping
// removes them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"mcrelay/internal/registry"
)

// Container labels read by discovery.
const (
	// LabelHostname is the base routing hostname; its presence opts a
	// container into discovery.
	LabelHostname = "mcrelay.hostname"
	// LabelPort overrides the upstream port (default 25565).
	LabelPort = "mcrelay.port"
	// LabelReplicaBehavior selects how replicas sharing a hostname are
	// disambiguated. The only recognized value is "index-subdomain".
	LabelReplicaBehavior = "mcrelay.replica-behavior"

	// composeNumberLabel is set by docker compose to the replica ordinal.
	composeNumberLabel = "com.docker.compose.container-number"

	replicaIndexSubdomain = "index-subdomain"

	// SourceDocker namespaces ServerIDs registered by this package.
	SourceDocker = "docker"

	defaultPort = 25565
)

// DockerClient is the slice of the Docker Engine API the watcher needs.
// *client.Client satisfies it.
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Watcher translates Docker container lifecycle events into registry
// mutations.
type Watcher struct {
	Client   DockerClient
	Registry *registry.Registry
	Logger   *slog.Logger
	// Backoff is the delay before re-opening a broken event stream.
	Backoff time.Duration
}

// ErrNoHostnameLabel is returned when a container reached the translator
// without the hostname label (the daemon-side filter should prevent it).
var ErrNoHostnameLabel = errors.New("discovery: container has no hostname label")

// Run seeds the registry from currently running containers and then
// follows the daemon's event stream until ctx is canceled. A broken
// stream is re-opened after Backoff; entries registered before the break
// are kept (re-seeding simply skips them as conflicts).
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for {
		err := w.watch(ctx, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("discovery: docker event stream failed, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (w *Watcher) watch(ctx context.Context, logger *slog.Logger) error {
	labelFilter := filters.NewArgs(filters.Arg("label", LabelHostname))

	containers, err := w.Client.ContainerList(ctx, container.ListOptions{Filters: labelFilter})
	if err != nil {
		// The daemon may be briefly unavailable; the retry loop handles it.
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		server, err := serverFromLabels(c.Labels, summaryIP(c), logger)
		if err != nil {
			logger.Warn("discovery: skipping container", "container", c.ID, "err", err)
			continue
		}
		w.insert(c.ID, server, logger)
	}

	eventCh, errCh := w.Client.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", "container"),
			filters.Arg("event", "start"),
			filters.Arg("event", "stop"),
			filters.Arg("event", "die"),
			filters.Arg("label", LabelHostname),
		),
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("event stream: %w", err)
		case msg := <-eventCh:
			w.handleEvent(ctx, msg, logger)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, msg events.Message, logger *slog.Logger) {
	if msg.Type != events.ContainerEventType || msg.Actor.ID == "" {
		logger.Warn("discovery: incomplete event from docker daemon", "type", msg.Type, "action", msg.Action)
		return
	}

	switch msg.Action {
	case events.ActionStart:
		// Event attributes carry the labels but not the network
		// addresses; inspect fills those in.
		inspected, err := w.Client.ContainerInspect(ctx, msg.Actor.ID)
		if err != nil {
			logger.Warn("discovery: inspect failed for started container", "container", msg.Actor.ID, "err", err)
			return
		}
		server, err := serverFromLabels(inspectedLabels(inspected), inspectIP(inspected), logger)
		if err != nil {
			logger.Warn("discovery: skipping started container", "container", msg.Actor.ID, "err", err)
			return
		}
		logger.Debug("discovery: inserting server mapping", "container", msg.Actor.ID, "hostnames", server.Hostnames, "upstream", server.Upstream.String())
		w.insert(msg.Actor.ID, server, logger)
	case events.ActionStop, events.ActionDie:
		id := registry.ServerID{Source: SourceDocker, ID: msg.Actor.ID}
		if removed, ok := w.Registry.Remove(id); ok {
			logger.Info("discovery: removed server mapping", "container", msg.Actor.ID, "hostnames", removed.Hostnames)
		}
	default:
		logger.Warn("discovery: unknown action received", "action", msg.Action)
	}
}

// insert registers server, logging and dropping the event on conflict;
// the existing mapping always wins.
func (w *Watcher) insert(containerID string, server registry.ActiveServer, logger *slog.Logger) {
	id := registry.ServerID{Source: SourceDocker, ID: containerID}
	switch err := w.Registry.Insert(id, server); {
	case err == nil:
		logger.Info("discovery: registered server mapping", "container", containerID, "hostnames", server.Hostnames, "upstream", server.Upstream.String())
	case errors.Is(err, registry.ErrServerIDExists):
		logger.Debug("discovery: container already registered", "container", containerID)
	default:
		var conflict *registry.HostnameExistsError
		if errors.As(err, &conflict) {
			logger.Warn("discovery: hostname already claimed", "container", containerID, "hostname", conflict.Hostname, "owner", conflict.Owner.String())
			return
		}
		logger.Error("discovery: failed to record server", "container", containerID, "err", err)
	}
}

// serverFromLabels builds an ActiveServer from a container's labels and
// its network address. The hostname label is required; the port label
// defaults to 25565; the index-subdomain replica behavior prefixes the
// hostname with the compose replica ordinal.
func serverFromLabels(labels map[string]string, ip string, logger *slog.Logger) (registry.ActiveServer, error) {
	hostname, ok := labels[LabelHostname]
	if !ok || hostname == "" {
		return registry.ActiveServer{}, ErrNoHostnameLabel
	}
	if ip == "" {
		return registry.ActiveServer{}, errors.New("discovery: container has no network address")
	}

	port := defaultPort
	if raw, ok := labels[LabelPort]; ok {
		p, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || p == 0 {
			return registry.ActiveServer{}, fmt.Errorf("discovery: invalid %s label %q", LabelPort, raw)
		}
		port = int(p)
	}

	if behavior, ok := labels[LabelReplicaBehavior]; ok {
		switch behavior {
		case replicaIndexSubdomain:
			if replica, ok := labels[composeNumberLabel]; ok {
				hostname = replica + "." + hostname
			}
		default:
			logger.Error("discovery: invalid value provided in container labels", "label", LabelReplicaBehavior, "value", behavior)
		}
	}

	return registry.ActiveServer{
		Hostnames: []string{hostname},
		Upstream:  registry.Upstream{Host: ip, Port: uint16(port)},
	}, nil
}

func summaryIP(c types.Container) string {
	if c.NetworkSettings == nil {
		return ""
	}
	for _, ep := range c.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

func inspectedLabels(c types.ContainerJSON) map[string]string {
	if c.Config == nil {
		return nil
	}
	return c.Config.Labels
}

func inspectIP(c types.ContainerJSON) string {
	if c.NetworkSettings == nil {
		return ""
	}
	for _, ep := range c.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}
