package config

import "time"

// Config represents the complete workq configuration.
type Config struct {
	Include []string      `yaml:"include,omitempty"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	API     APIConfig     `yaml:"api"`
	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig defines the orchestrator listener.
type ServerConfig struct {
	Listen              string        `yaml:"listen"`
	TLS                 TLSConfig     `yaml:"tls"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxFrameBytes       int           `yaml:"max_frame_bytes"`
	BufferSize          int           `yaml:"buffer_size"`
}

// WorkerConfig defines how a worker reaches the server.
type WorkerConfig struct {
	Server            string        `yaml:"server"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig names PEM files. On the server Cert and Key are required to
// enable TLS; on a worker Enabled turns TLS on and CA optionally pins the
// server certificate authority.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// APIConfig defines the HTTP status and call API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// JournalConfig defines the SQLite work journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig defines the in-memory metrics sink.
type MetricsConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}
