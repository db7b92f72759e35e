// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/commatea/ModX-Core/pkg/client"
	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/transport/serial"
	"github.com/commatea/ModX-Core/pkg/transport/tcp"
	"github.com/commatea/ModX-Core/pkg/transport/udp"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./modx.yaml",
	"./modx.yml",
	"~/.config/modx/config.yaml",
	"/etc/modx/config.yaml",
}

// Config is the top-level configuration.
type Config struct {
	// Mode selects the carrier: rtu (serial), tcp or udp.
	Mode string `yaml:"mode" json:"mode" validate:"required,oneof=rtu tcp udp"`

	// Client holds transaction dispatcher settings.
	Client ClientSettings `yaml:"client" json:"client"`

	// Serial holds the serial port settings (mode: rtu).
	Serial serial.Config `yaml:"serial" json:"serial"`

	// TCP holds the TCP/TLS settings (mode: tcp).
	TCP tcp.Config `yaml:"tcp" json:"tcp"`

	// UDP holds the UDP settings (mode: udp).
	UDP udp.Config `yaml:"udp" json:"udp"`

	// Logging configures the logger.
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Capture configures frame capture.
	Capture CaptureConfig `yaml:"capture" json:"capture"`
}

// ClientSettings holds the transaction dispatcher options as they
// appear in the config file: timeout in seconds, reconnect delays in
// milliseconds.
type ClientSettings struct {
	// Timeout is the per-attempt transaction timeout in seconds.
	Timeout float64 `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// Retries is the total number of send attempts.
	Retries int `yaml:"retries" json:"retries" validate:"gte=0"`

	// RetryOnEmpty grants one extra attempt after a byte-silent
	// reply window.
	RetryOnEmpty bool `yaml:"retry_on_empty" json:"retry_on_empty"`

	// CloseCommOnError closes the transport on framing errors.
	CloseCommOnError bool `yaml:"close_comm_on_error" json:"close_comm_on_error"`

	// Strict enforces the 3.5 character interval at all baud rates.
	Strict bool `yaml:"strict" json:"strict"`

	// BroadcastEnable allows requests to slave id 0.
	BroadcastEnable bool `yaml:"broadcast_enable" json:"broadcast_enable"`

	// ReconnectDelay is the initial reconnect backoff in
	// milliseconds.
	ReconnectDelay int `yaml:"reconnect_delay" json:"reconnect_delay" validate:"gte=0"`

	// ReconnectDelayMax caps the reconnect backoff, in milliseconds.
	ReconnectDelayMax int `yaml:"reconnect_delay_max" json:"reconnect_delay_max" validate:"gte=0"`
}

// ClientConfig converts the file settings into a client.Config.
func (s ClientSettings) ClientConfig() client.Config {
	return client.Config{
		Timeout:           time.Duration(s.Timeout * float64(time.Second)),
		Retries:           s.Retries,
		RetryOnEmpty:      s.RetryOnEmpty,
		CloseCommOnError:  s.CloseCommOnError,
		Strict:            s.Strict,
		BroadcastEnable:   s.BroadcastEnable,
		ReconnectDelay:    time.Duration(s.ReconnectDelay) * time.Millisecond,
		ReconnectDelayMax: time.Duration(s.ReconnectDelayMax) * time.Millisecond,
	}
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables the metrics endpoint.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen is the address the metrics endpoint binds.
	Listen string `yaml:"listen" json:"listen"`

	// Endpoint is the HTTP path.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// CaptureConfig holds frame capture configuration.
type CaptureConfig struct {
	// Enabled enables frame capture.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the sqlite database path.
	Path string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	// If path is specified, use it directly
	if path != "" {
		return loadFile(path)
	}

	// Try default paths
	for _, p := range configPaths {
		// Expand home directory
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	// Return default config if no file found
	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	def := client.DefaultConfig()
	return &Config{
		Mode: "tcp",
		Client: ClientSettings{
			Timeout:           def.Timeout.Seconds(),
			Retries:           def.Retries,
			ReconnectDelay:    int(def.ReconnectDelay / time.Millisecond),
			ReconnectDelayMax: int(def.ReconnectDelayMax / time.Millisecond),
		},
		Serial: serial.DefaultConfig(),
		TCP:    tcp.DefaultConfig(),
		UDP:    udp.DefaultConfig(),
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   ":9102",
			Endpoint: "/metrics",
		},
	}
}
