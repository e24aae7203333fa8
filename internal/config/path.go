package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath is the environment variable used to override the config file path.
const EnvConfigPath = "MCRELAY_CONFIG"

// DefaultConfigFile is the path tried when neither an argument nor the
// environment names a config file.
const DefaultConfigFile = "./example/config.toml"

type ConfigPathSource string

const (
	ConfigPathSourceArg     ConfigPathSource = "arg"
	ConfigPathSourceEnv     ConfigPathSource = "env"
	ConfigPathSourceCWD     ConfigPathSource = "cwd"
	ConfigPathSourceDefault ConfigPathSource = "default"
)

type ResolvedConfigPath struct {
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath resolves the effective configuration file path.
//
// Precedence:
//  1. explicitPath (the positional command-line argument)
//  2. MCRELAY_CONFIG environment variable
//  3. Auto-discovery in the current working directory (mcrelay.toml > mcrelay.yaml > mcrelay.yml)
//  4. ./example/config.toml
func ResolveConfigPath(explicitPath string) (ResolvedConfigPath, error) {
	if p := strings.TrimSpace(explicitPath); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceArg}, nil
	}

	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceEnv}, nil
	}

	if p, err := DiscoverConfigPath("."); err == nil {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}

	return ResolvedConfigPath{Path: DefaultConfigFile, Source: ConfigPathSourceDefault}, nil
}

func normalizeExplicitPath(p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("config: empty config path")
	}

	fi, err := os.Stat(p)
	if err == nil {
		if fi.IsDir() {
			// If a directory is provided, try to discover mcrelay.* inside it;
			// otherwise default to mcrelay.toml within that directory.
			if discovered, derr := DiscoverConfigPath(p); derr == nil {
				return discovered, nil
			}
			return filepath.Join(p, "mcrelay.toml"), nil
		}
		// Existing file path: keep as-is.
		return p, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}

	// For a new (non-existing) file path without an extension, default to TOML.
	if filepath.Ext(p) == "" {
		p += ".toml"
	}
	return p, nil
}

// EnsureConfigFile creates a new config file at path if it does not already exist.
// It never overwrites an existing regular file.
func EnsureConfigFile(path string) (created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, fmt.Errorf("config: empty config path")
	}

	fi, statErr := os.Stat(path)
	if statErr == nil {
		if fi.Mode().IsRegular() {
			return false, nil
		}
		return false, fmt.Errorf("config: %s exists but is not a regular file", path)
	}
	if statErr != nil && !os.IsNotExist(statErr) {
		return false, fmt.Errorf("config: stat %s: %w", path, statErr)
	}

	tmpl, err := defaultConfigTemplateForPath(path)
	if err != nil {
		return false, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}

	// Use O_EXCL to avoid clobbering files created concurrently.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.WriteString(f, tmpl); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigTemplateForPath(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".toml":
		return defaultConfigTemplateTOML, nil
	case ".yaml", ".yml":
		return defaultConfigTemplateYAML, nil
	default:
		return "", fmt.Errorf("config: unsupported config extension %q (expected .toml or .yaml/.yml)", ext)
	}
}

const defaultConfigTemplateTOML = `# mcrelay configuration (auto-generated)
#
# This file was created because mcrelay could not find a configuration file
# at the resolved config path.

[proxy]
listen_address = ":25565"

[ui]
listen_address = ":8080"

# Static hostname -> upstream routes.
#
# [servers]
# "mc.example.com" = "127.0.0.1:25566"

[timeouts]
ping_timeout_ms = 300

[logging]
level = "info"
format = "json"
output = "stderr"
add_source = false

[logging.admin_buffer]
enabled = true
size = 1000

[reload]
enabled = true
poll_interval_ms = 1000

[discovery]
docker = false

[prober]
enabled = false
interval = "30s"

`

const defaultConfigTemplateYAML = `# mcrelay configuration (auto-generated)
#
# This file was created because mcrelay could not find a configuration file
# at the resolved config path.

proxy:
  listen_address: ":25565"

ui:
  listen_address: ":8080"

# Static hostname -> upstream routes.
#
# servers:
#   mc.example.com: "127.0.0.1:25566"

timeouts:
  ping_timeout_ms: 300

logging:
  level: "info"
  format: "json"
  output: "stderr"
  add_source: false
  admin_buffer:
    enabled: true
    size: 1000

reload:
  enabled: true
  poll_interval_ms: 1000

discovery:
  docker: false

prober:
  enabled: false
  interval: "30s"

`
