// Package config loads the serialgps YAML configuration with .env and
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/serialgps/internal/sink"
)

const (
	ModeSerial = "serial"
	ModeUDP    = "udp"
	ModeDemo   = "demo"
)

// DefaultPath is used when no config file is named.
const DefaultPath = "/etc/serialgps/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Receiver transport
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// Change suppression
	Debounce DebounceConfig `yaml:"debounce" json:"debounce"`

	// Outputs
	MQTT     sink.MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Recorder sink.RecorderConfig `yaml:"recorder" json:"recorder"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	Debug bool `yaml:"debug" json:"debug"`

	path string // file path for save/load
}

type GPSConfig struct {
	Mode           string        `yaml:"mode" json:"mode"`          // "serial", "udp" or "demo"
	PortPath       string        `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate       int           `yaml:"baud_rate" json:"baudRate"`
	UDPAddr        string        `yaml:"udp_addr" json:"udpAddr"` // e.g. :10110
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnectDelay"`
	MaxPending     int           `yaml:"max_pending" json:"maxPending"` // bytes without a line terminator
}

type DebounceConfig struct {
	MaxAge time.Duration `yaml:"max_age" json:"maxAge"` // refresh unchanged values after this long
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Mode:           ModeSerial,
			PortPath:       "/dev/ttyGPS",
			BaudRate:       9600,
			UDPAddr:        ":10110",
			ReconnectDelay: 5 * time.Second,
			MaxPending:     4096,
		},
		Debounce: DebounceConfig{
			MaxAge: 60 * time.Second,
		},
		MQTT: sink.MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "serialgps",
			TopicPrefix: "serialgps",
			QoS:         0,
			Retain:      true,
		},
		Recorder: sink.RecorderConfig{
			Enabled: false,
			Path:    "/var/log/serialgps",
			MaxRows: 100_000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
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

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_MODE, GPS_PORT, GPS_BAUD, GPS_UDP_ADDR, MQTT_ENABLED,
// MQTT_BROKER, MQTT_TOPIC_PREFIX, RECORDER_ENABLED, RECORDER_PATH,
// LISTEN_ADDR, DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_MODE"); v != "" {
		c.GPS.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("GPS_UDP_ADDR"); v != "" {
		c.GPS.UDPAddr = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		c.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("RECORDER_ENABLED"); v != "" {
		c.Recorder.Enabled = envBool(v)
	}
	if v := os.Getenv("RECORDER_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = envBool(v)
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.GPS.Mode {
	case ModeSerial:
		if strings.TrimSpace(c.GPS.PortPath) == "" {
			return errors.New("gps.port_path is required when gps.mode is 'serial'")
		}
		if c.GPS.BaudRate <= 0 {
			return errors.New("gps.baud_rate must be > 0")
		}
	case ModeUDP:
		if strings.TrimSpace(c.GPS.UDPAddr) == "" {
			return errors.New("gps.udp_addr is required when gps.mode is 'udp'")
		}
	case ModeDemo:
	default:
		return errors.New("gps.mode must be 'serial', 'udp' or 'demo'")
	}
	if c.GPS.ReconnectDelay < 0 {
		return errors.New("gps.reconnect_delay must be >= 0")
	}
	if c.GPS.MaxPending < 0 {
		return errors.New("gps.max_pending must be >= 0")
	}
	if c.Debounce.MaxAge < 0 {
		return errors.New("debounce.max_age must be >= 0")
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt.enabled is true")
	}
	if c.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}
	if c.Recorder.Enabled && strings.TrimSpace(c.Recorder.Path) == "" {
		return errors.New("recorder.path is required when recorder.enabled is true")
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to the YAML file it was loaded from.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return errors.New("config: no file to save to")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
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
