package config

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"mcrelay/internal/protocol"
	"mcrelay/internal/registry"
)

type Timeouts struct {
	// PingTimeout bounds every pre-proxying stage of a connection: the
	// handshake read, the upstream dial, and the whole placeholder
	// Status/Login exchange.
	PingTimeout time.Duration
}

// ProxyConfig configures the public-facing Minecraft listener.
type ProxyConfig struct {
	ListenAddr string
	// ProxyProtocolV2 injects a PROXY protocol v2 header toward the
	// upstream before the forwarded handshake bytes.
	ProxyProtocolV2 bool
	BufferSize      int
}

// UIConfig configures the admin HTTP server. An empty ListenAddr disables it.
type UIConfig struct {
	ListenAddr string
}

type ReloadConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

type AdminLogBufferConfig struct {
	Enabled bool
	Size    int
}

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: json, text.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
	// AdminBuffer controls an in-memory log line ring buffer used by the admin server.
	AdminBuffer AdminLogBufferConfig
}

// DiscoveryConfig controls the container-runtime discovery task.
type DiscoveryConfig struct {
	// Docker enables watching the local Docker daemon for labeled containers.
	Docker bool
	// ReconnectBackoff is how long discovery waits before re-opening a
	// broken event stream.
	ReconnectBackoff time.Duration
}

// ProberConfig controls the periodic upstream health prober.
type ProberConfig struct {
	Enabled  bool
	Interval time.Duration
	// DialsPerSecond rate-limits new probe connections per tick; zero
	// means unlimited.
	DialsPerSecond float64
}

// PlaceholderConfig holds the synthesized responses served when no real
// upstream is available. Offline and NoMapping are fully materialized at
// load time: their response files are parsed and any favicon path is
// replaced with an inline data URI.
type PlaceholderConfig struct {
	// KickMessage is the Disconnect text used when a placeholder response
	// has no description of its own.
	KickMessage *protocol.TextComponent
	// Offline is served when a mapping exists but the upstream is unreachable.
	Offline *protocol.StatusResponse
	// NoMapping is served when no mapping exists for the requested hostname.
	NoMapping *protocol.StatusResponse
}

// Config is one immutable snapshot of the full mcrelay configuration.
// Readers clone the pointer at connection acceptance and use it for the
// connection's lifetime; reload publishes a fresh snapshot rather than
// mutating this one.
type Config struct {
	Proxy ProxyConfig
	UI    UIConfig

	// StaticRoutes maps routing hostnames to upstream dial addresses. It
	// takes priority over anything discovery registers.
	StaticRoutes registry.StaticRoutes

	Placeholder PlaceholderConfig

	Timeouts  Timeouts
	Logging   LoggingConfig
	Reload    ReloadConfig
	Discovery DiscoveryConfig
	Prober    ProberConfig
}

type ConfigProvider interface {
	Load(ctx context.Context) (*Config, error)
}

type FileConfigProvider struct {
	Path string
}

func NewFileConfigProvider(path string) *FileConfigProvider {
	return &FileConfigProvider{Path: path}
}

func (p *FileConfigProvider) WatchPath() string {
	return p.Path
}

// StringList unmarshals from either a single string or a list of strings.
// It supports both YAML and TOML decoding.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var v string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*s = []string{v}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, n := range value.Content {
			if n == nil {
				continue
			}
			var v string
			if err := n.Decode(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		*s = out
		return nil
	case yaml.DocumentNode:
		// A full document node should not appear here, but handle it defensively.
		if len(value.Content) == 1 {
			return s.UnmarshalYAML(value.Content[0])
		}
		*s = nil
		return nil
	case 0:
		// null
		*s = nil
		return nil
	default:
		return fmt.Errorf("config: expected string or list of strings")
	}
}

// UnmarshalTOML implements BurntSushi/toml's custom decoding hook.
func (s *StringList) UnmarshalTOML(data any) error {
	if data == nil {
		*s = nil
		return nil
	}
	switch v := data.(type) {
	case string:
		*s = []string{v}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("config: expected string array")
			}
			out = append(out, str)
		}
		*s = out
		return nil
	case []string:
		*s = append((*s)[:0], v...)
		return nil
	default:
		return fmt.Errorf("config: expected string or string array")
	}
}

// fileConfig is the on-disk shape before defaults, validation, and
// placeholder materialization.
type fileConfig struct {
	Proxy *struct {
		ListenAddr      string `yaml:"listen_address" toml:"listen_address"`
		ProxyProtocolV2 bool   `yaml:"proxy_protocol_v2" toml:"proxy_protocol_v2"`
		BufferSize      int    `yaml:"buffer_size" toml:"buffer_size"`
	} `yaml:"proxy" toml:"proxy"`

	UI *struct {
		ListenAddr string `yaml:"listen_address" toml:"listen_address"`
	} `yaml:"ui" toml:"ui"`

	Servers map[string]string `yaml:"servers" toml:"servers"`

	PlaceholderServer *struct {
		KickMessage string `yaml:"kick_message" toml:"kick_message"`
		Responses   *struct {
			Offline   string `yaml:"offline" toml:"offline"`
			NoMapping string `yaml:"no_mapping" toml:"no_mapping"`
		} `yaml:"responses" toml:"responses"`
	} `yaml:"placeholder_server" toml:"placeholder_server"`

	Timeouts *struct {
		PingTimeoutMs int `yaml:"ping_timeout_ms" toml:"ping_timeout_ms"`
	} `yaml:"timeouts" toml:"timeouts"`

	Logging *struct {
		Level       string `yaml:"level" toml:"level"`
		Format      string `yaml:"format" toml:"format"`
		Output      string `yaml:"output" toml:"output"`
		AddSource   bool   `yaml:"add_source" toml:"add_source"`
		AdminBuffer *struct {
			Enabled bool `yaml:"enabled" toml:"enabled"`
			Size    int  `yaml:"size" toml:"size"`
		} `yaml:"admin_buffer" toml:"admin_buffer"`
	} `yaml:"logging" toml:"logging"`

	Reload *struct {
		Enabled        bool `yaml:"enabled" toml:"enabled"`
		PollIntervalMs int  `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	} `yaml:"reload" toml:"reload"`

	Discovery *struct {
		Docker             bool `yaml:"docker" toml:"docker"`
		ReconnectBackoffMs int  `yaml:"reconnect_backoff_ms" toml:"reconnect_backoff_ms"`
	} `yaml:"discovery" toml:"discovery"`

	Prober *struct {
		Enabled        bool    `yaml:"enabled" toml:"enabled"`
		Interval       string  `yaml:"interval" toml:"interval"`
		DialsPerSecond float64 `yaml:"dials_per_second" toml:"dials_per_second"`
	} `yaml:"prober" toml:"prober"`
}

func (p *FileConfigProvider) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := unmarshalConfigFile(p.Path, data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	cfg := &Config{
		Proxy: ProxyConfig{ListenAddr: ":25565", BufferSize: 32 * 1024},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			AdminBuffer: AdminLogBufferConfig{
				Enabled: false,
				Size:    1000,
			},
		},
		Timeouts: Timeouts{PingTimeout: 300 * time.Millisecond},
		Reload:   ReloadConfig{Enabled: true, PollInterval: time.Second},
		Discovery: DiscoveryConfig{
			ReconnectBackoff: 5 * time.Second,
		},
		Prober: ProberConfig{Interval: 30 * time.Second},
	}

	if fc.Proxy != nil {
		if la := strings.TrimSpace(fc.Proxy.ListenAddr); la != "" {
			cfg.Proxy.ListenAddr = la
		}
		cfg.Proxy.ProxyProtocolV2 = fc.Proxy.ProxyProtocolV2
		if fc.Proxy.BufferSize > 0 {
			cfg.Proxy.BufferSize = fc.Proxy.BufferSize
		}
	}
	if fc.UI != nil {
		cfg.UI.ListenAddr = strings.TrimSpace(fc.UI.ListenAddr)
	}

	// --- Static routes ---
	if len(fc.Servers) > 0 {
		cfg.StaticRoutes = make(registry.StaticRoutes, len(fc.Servers))
		for host, addr := range fc.Servers {
			host = strings.TrimSpace(host)
			if host == "" {
				return nil, fmt.Errorf("config: servers entry with empty hostname")
			}
			up, err := parseUpstream(addr)
			if err != nil {
				return nil, fmt.Errorf("config: servers[%q]: %w", host, err)
			}
			cfg.StaticRoutes[host] = up
		}
	}

	// --- Placeholder responses ---
	baseDir := filepath.Dir(p.Path)
	if fc.PlaceholderServer != nil {
		if km := strings.TrimSpace(fc.PlaceholderServer.KickMessage); km != "" {
			kick := protocol.String(km)
			cfg.Placeholder.KickMessage = &kick
		}
		if fc.PlaceholderServer.Responses != nil {
			offline, err := loadResponseFile(baseDir, fc.PlaceholderServer.Responses.Offline)
			if err != nil {
				return nil, fmt.Errorf("config: placeholder_server.responses.offline: %w", err)
			}
			noMapping, err := loadResponseFile(baseDir, fc.PlaceholderServer.Responses.NoMapping)
			if err != nil {
				return nil, fmt.Errorf("config: placeholder_server.responses.no_mapping: %w", err)
			}
			cfg.Placeholder.Offline = offline
			cfg.Placeholder.NoMapping = noMapping
		}
		applyKickMessage(&cfg.Placeholder)
	}

	// --- Timeouts / logging / reload ---
	if fc.Timeouts != nil && fc.Timeouts.PingTimeoutMs > 0 {
		cfg.Timeouts.PingTimeout = time.Duration(fc.Timeouts.PingTimeoutMs) * time.Millisecond
	}
	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		if fc.Logging.Format != "" {
			cfg.Logging.Format = fc.Logging.Format
		}
		if fc.Logging.Output != "" {
			cfg.Logging.Output = fc.Logging.Output
		}
		cfg.Logging.AddSource = fc.Logging.AddSource
		if fc.Logging.AdminBuffer != nil {
			cfg.Logging.AdminBuffer.Enabled = fc.Logging.AdminBuffer.Enabled
			if fc.Logging.AdminBuffer.Size != 0 {
				cfg.Logging.AdminBuffer.Size = fc.Logging.AdminBuffer.Size
			}
		}
	}
	if fc.Reload != nil {
		cfg.Reload.Enabled = fc.Reload.Enabled
		if fc.Reload.PollIntervalMs > 0 {
			cfg.Reload.PollInterval = time.Duration(fc.Reload.PollIntervalMs) * time.Millisecond
		}
	}

	// --- Discovery / prober ---
	if fc.Discovery != nil {
		cfg.Discovery.Docker = fc.Discovery.Docker
		if fc.Discovery.ReconnectBackoffMs > 0 {
			cfg.Discovery.ReconnectBackoff = time.Duration(fc.Discovery.ReconnectBackoffMs) * time.Millisecond
		}
	}
	if fc.Prober != nil {
		cfg.Prober.Enabled = fc.Prober.Enabled
		if iv := strings.TrimSpace(fc.Prober.Interval); iv != "" {
			d, err := time.ParseDuration(iv)
			if err != nil {
				return nil, fmt.Errorf("config: prober.interval: %w", err)
			}
			if d <= 0 {
				return nil, fmt.Errorf("config: prober.interval must be positive")
			}
			cfg.Prober.Interval = d
		}
		cfg.Prober.DialsPerSecond = fc.Prober.DialsPerSecond
	}

	return cfg, nil
}

// applyKickMessage folds the kick message into any placeholder response
// that did not set its own description.
func applyKickMessage(pc *PlaceholderConfig) {
	if pc.KickMessage == nil {
		return
	}
	for _, resp := range []*protocol.StatusResponse{pc.Offline, pc.NoMapping} {
		if resp == nil {
			continue
		}
		if isEmptyComponent(resp.Description) {
			resp.Description = *pc.KickMessage
		}
	}
}

func isEmptyComponent(t protocol.TextComponent) bool {
	return t.Text == "" && len(t.Extra) == 0
}

func parseUpstream(addr string) (registry.Upstream, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return registry.Upstream{}, fmt.Errorf("invalid upstream address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return registry.Upstream{}, fmt.Errorf("invalid upstream port %q: %w", portStr, err)
	}
	return registry.Upstream{Host: host, Port: uint16(port)}, nil
}

// responseFile is the on-disk shape of one placeholder response. The
// description may be a bare string or a styled component table; the
// favicon, if set, names a PNG file that is inlined at load time.
type responseFile struct {
	Version struct {
		Name     string `yaml:"name" toml:"name"`
		Protocol int32  `yaml:"protocol" toml:"protocol"`
	} `yaml:"version" toml:"version"`
	Players *struct {
		Max    int32 `yaml:"max" toml:"max"`
		Online int32 `yaml:"online" toml:"online"`
		Sample []struct {
			Name string `yaml:"name" toml:"name"`
			ID   string `yaml:"id" toml:"id"`
		} `yaml:"sample" toml:"sample"`
	} `yaml:"players" toml:"players"`
	Description textComponentValue `yaml:"description" toml:"description"`
	Favicon     string             `yaml:"favicon" toml:"favicon"`
}

// textComponentValue decodes a TextComponent from config files, accepting
// either a bare string or a table with text/style fields and nested extra.
type textComponentValue struct {
	component protocol.TextComponent
	set       bool
}

func (t *textComponentValue) UnmarshalTOML(data any) error {
	c, ok, err := decodeComponent(data)
	if err != nil {
		return err
	}
	t.component = c
	t.set = ok
	return nil
}

func (t *textComponentValue) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		t.component = protocol.String(s)
		t.set = true
		return nil
	}
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	c, ok, err := decodeComponent(m)
	if err != nil {
		return err
	}
	t.component = c
	t.set = ok
	return nil
}

func decodeComponent(data any) (protocol.TextComponent, bool, error) {
	switch v := data.(type) {
	case nil:
		return protocol.TextComponent{}, false, nil
	case string:
		return protocol.String(v), true, nil
	case map[string]any:
		var c protocol.TextComponent
		if s, ok := v["text"].(string); ok {
			c.Text = s
		}
		c.Bold = boolField(v, "bold")
		c.Italic = boolField(v, "italic")
		c.Underlined = boolField(v, "underlined")
		c.Strikethrough = boolField(v, "strikethrough")
		c.Obfuscated = boolField(v, "obfuscated")
		if s, ok := v["color"].(string); ok {
			c.Color = s
		}
		// TOML hands an array of tables to the unmarshaler as
		// []map[string]any; YAML uses []any.
		switch extra := v["extra"].(type) {
		case []any:
			for _, e := range extra {
				child, _, err := decodeComponent(e)
				if err != nil {
					return protocol.TextComponent{}, false, err
				}
				c.Extra = append(c.Extra, child)
			}
		case []map[string]any:
			for _, e := range extra {
				child, _, err := decodeComponent(e)
				if err != nil {
					return protocol.TextComponent{}, false, err
				}
				c.Extra = append(c.Extra, child)
			}
		}
		return c, true, nil
	default:
		return protocol.TextComponent{}, false, fmt.Errorf("config: description must be a string or a component table")
	}
}

func boolField(m map[string]any, key string) *bool {
	v, ok := m[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// loadResponseFile reads, parses, and materializes one placeholder
// response file. Relative paths (both the response file itself and any
// favicon it names) are resolved against the config file's directory.
func loadResponseFile(baseDir, path string) (*protocol.StatusResponse, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	path = resolvePath(baseDir, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf responseFile
	if err := unmarshalConfigFile(path, data, &rf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	resp := &protocol.StatusResponse{
		Version: protocol.StatusVersion{
			Name:     rf.Version.Name,
			Protocol: rf.Version.Protocol,
		},
		Description: rf.Description.component,
	}
	if rf.Players != nil {
		resp.Players.Max = rf.Players.Max
		resp.Players.Online = rf.Players.Online
		for _, s := range rf.Players.Sample {
			resp.Players.Sample = append(resp.Players.Sample, protocol.StatusPlayerSample{Name: s.Name, ID: s.ID})
		}
	}

	if fav := strings.TrimSpace(rf.Favicon); fav != "" {
		uri, err := loadFavicon(resolvePath(baseDir, fav))
		if err != nil {
			return nil, err
		}
		resp.Favicon = uri
	}
	return resp, nil
}

// loadFavicon reads a PNG file and renders it as a data URI, so the
// snapshot carries the fully materialized favicon and serving a status
// response never touches the filesystem.
func loadFavicon(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("favicon %s: %w", path, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func unmarshalConfigFile(path string, data []byte, dst any) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(dst)
	case ".toml":
		// BurntSushi/toml works with string or io.Reader; this keeps things simple.
		md, err := toml.Decode(string(data), dst)
		if err != nil {
			return err
		}
		// textComponentValue decodes a description's nested tables (such as
		// [[description.extra]]) itself, but the decoder does not mark keys
		// inside arrays of tables handed to an Unmarshaler as decoded, so
		// keys below "description" are not reported as unknown.
		var unknown []toml.Key
		for _, k := range md.Undecoded() {
			if len(k) > 1 && k[0] == "description" {
				continue
			}
			unknown = append(unknown, k)
		}
		if len(unknown) > 0 {
			return fmt.Errorf("unknown fields: %v", unknown)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q (expected .toml or .yaml/.yml)", ext)
	}
}
