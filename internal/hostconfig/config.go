// Package hostconfig loads and persists the host application's on-disk
// configuration: which definition and transport to use, how to poll,
// where to log, and how to serve the HTTP/WebSocket API.
package hostconfig

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all host application configuration.
type Config struct {
	mu sync.RWMutex

	ECU     ECUConfig     `yaml:"ecu" json:"ecu"`
	Session SessionConfig `yaml:"session" json:"session"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string
}

// ECUConfig names the definition to load and the transport to reach
// the ECU over.
type ECUConfig struct {
	DefinitionPath string `yaml:"definition_path" json:"definitionPath"`
	PortPath       string `yaml:"port_path" json:"portPath"`
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
}

// SessionConfig tunes polling cadence and the runtime-stream policy.
type SessionConfig struct {
	PollHz         int    `yaml:"poll_hz" json:"pollHz"`
	RuntimeMode    string `yaml:"runtime_mode" json:"runtimeMode"` // "auto", "burst", "och", "disabled"
	AdaptiveTiming bool   `yaml:"adaptive_timing" json:"adaptiveTiming"`
}

// LoggingConfig tunes CSV telemetry logging.
type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"`
}

// ServerConfig tunes the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ECU: ECUConfig{
			DefinitionPath: "/etc/libretune/definition.ini",
			PortPath:       "/dev/ttyUSB0",
			BaudRate:       115200,
		},
		Session: SessionConfig{
			PollHz:         20,
			RuntimeMode:    "auto",
			AdaptiveTiming: true,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/libretune",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the file
// isn't found or doesn't parse.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("hostconfig: no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("hostconfig: error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("hostconfig: loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("hostconfig: loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: LIBRETUNE_INI, LIBRETUNE_PORT, LIBRETUNE_BAUD,
// LIBRETUNE_POLL_HZ, LIBRETUNE_RUNTIME_MODE, LIBRETUNE_LISTEN,
// LIBRETUNE_LOG_ENABLED, LIBRETUNE_LOG_PATH, LIBRETUNE_LOG_INTERVAL_MS.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LIBRETUNE_INI"); v != "" {
		c.ECU.DefinitionPath = v
	}
	if v := os.Getenv("LIBRETUNE_PORT"); v != "" {
		c.ECU.PortPath = v
	}
	if v := os.Getenv("LIBRETUNE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.BaudRate = n
		}
	}
	if v := os.Getenv("LIBRETUNE_POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.PollHz = n
		}
	}
	if v := os.Getenv("LIBRETUNE_RUNTIME_MODE"); v != "" {
		c.Session.RuntimeMode = v
	}
	if v := os.Getenv("LIBRETUNE_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LIBRETUNE_LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LIBRETUNE_LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LIBRETUNE_LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/libretune/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields absent from the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
