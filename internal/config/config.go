package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BadgerConfig configures the embedded key-value store.
type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig selects and configures the durable traffic store.
type StorageConfig struct {
	Type        string           `yaml:"type"`
	Table       string           `yaml:"table"`
	DNSTable    string           `yaml:"dns_table"`
	CommitEvery int              `yaml:"commit_every"`
	Badger      BadgerConfig     `yaml:"badger"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
}

// CaptureConfig describes the capture subprocess.
type CaptureConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DNSConfig configures reverse lookups.
type DNSConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// NATSConfig holds the broker settings for the NATS transport.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ForwardingConfig configures the collector's forwarding client.
type ForwardingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Transport    string        `yaml:"transport"`
	Address      string        `yaml:"address"`
	CACertPath   string        `yaml:"ca_cert_path"`
	Backoff      time.Duration `yaml:"backoff"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	NATS         NATSConfig    `yaml:"nats"`
}

// CollectorConfig is the configuration of the capture side.
type CollectorConfig struct {
	Capture    CaptureConfig    `yaml:"capture"`
	Window     time.Duration    `yaml:"window"`
	QueueSize  int              `yaml:"queue_size"`
	Storage    StorageConfig    `yaml:"storage"`
	DNS        DNSConfig        `yaml:"dns"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
}

// ReceiverNATSConfig enables the NATS listener next to the websocket server.
type ReceiverNATSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACertPath string `yaml:"ca_cert_path"`
	NATSConfig `yaml:",inline"`
}

// ReceiverConfig is the configuration of the aggregation side.
type ReceiverConfig struct {
	ListenAddr string             `yaml:"listen_addr"`
	CertPath   string             `yaml:"cert_path"`
	KeyPath    string             `yaml:"key_path"`
	HealthAddr string             `yaml:"health_addr"`
	QueueSize  int                `yaml:"queue_size"`
	Storage    StorageConfig      `yaml:"storage"`
	DNS        DNSConfig          `yaml:"dns"`
	NATS       ReceiverNATSConfig `yaml:"nats"`
}

// Config is the top-level configuration struct for both binaries.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Collector CollectorConfig `yaml:"collector"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	col := &c.Collector
	if col.Capture.Command == "" {
		col.Capture.Command = "assets/ptcpdump"
		col.Capture.Args = []string{"-i", "any", "--oneline", "-n", "-t", "-v"}
	}
	if col.Window <= 0 {
		col.Window = 5 * time.Second
	}
	if col.QueueSize <= 0 {
		col.QueueSize = 1024
	}
	col.Storage.applyDefaults("traffic", "data/collector")
	if col.DNS.LookupTimeout <= 0 {
		col.DNS.LookupTimeout = 5 * time.Second
	}

	fwd := &col.Forwarding
	if fwd.Transport == "" {
		fwd.Transport = "websocket"
	}
	if fwd.Backoff <= 0 {
		fwd.Backoff = 5 * time.Second
	}
	if fwd.DialTimeout <= 0 {
		fwd.DialTimeout = 5 * time.Second
	}
	if fwd.ReplyTimeout <= 0 {
		fwd.ReplyTimeout = 10 * time.Second
	}
	if fwd.QueueSize <= 0 {
		fwd.QueueSize = 1024
	}
	if fwd.NATS.Subject == "" {
		fwd.NATS.Subject = "flownix.batches"
	}

	rcv := &c.Receiver
	if rcv.ListenAddr == "" {
		rcv.ListenAddr = "0.0.0.0:8765"
	}
	if rcv.QueueSize <= 0 {
		rcv.QueueSize = 1024
	}
	rcv.Storage.applyDefaults("receiver_traffic", "data/receiver")
	if rcv.DNS.LookupTimeout <= 0 {
		rcv.DNS.LookupTimeout = 5 * time.Second
	}
	if rcv.NATS.Subject == "" {
		rcv.NATS.Subject = "flownix.batches"
	}
}

func (s *StorageConfig) applyDefaults(table, path string) {
	if s.Type == "" {
		s.Type = "badger"
	}
	if s.Table == "" {
		s.Table = table
	}
	if s.DNSTable == "" {
		s.DNSTable = "dns"
	}
	if s.CommitEvery <= 0 {
		s.CommitEvery = 5
	}
	if s.Badger.Path == "" && !s.Badger.InMemory {
		s.Badger.Path = path
	}
	if s.ClickHouse.Port == 0 {
		s.ClickHouse.Port = 9000
	}
	if s.ClickHouse.Database == "" {
		s.ClickHouse.Database = "default"
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	fwd := c.Collector.Forwarding
	if fwd.Enabled {
		switch fwd.Transport {
		case "websocket":
			if fwd.Address == "" {
				return fmt.Errorf("collector.forwarding.address is required for the websocket transport")
			}
			if fwd.CACertPath == "" {
				return fmt.Errorf("collector.forwarding.ca_cert_path is required for the websocket transport")
			}
		case "nats":
			if fwd.NATS.URL == "" {
				return fmt.Errorf("collector.forwarding.nats.url is required for the nats transport")
			}
		default:
			return fmt.Errorf("unknown forwarding transport: '%s'", fwd.Transport)
		}
	}
	if c.Receiver.NATS.Enabled && c.Receiver.NATS.URL == "" {
		return fmt.Errorf("receiver.nats.url is required when receiver.nats.enabled is set")
	}
	return nil
}
