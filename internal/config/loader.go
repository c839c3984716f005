package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the configuration used when no file overrides a value.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Listen:              "127.0.0.1:7070",
			HealthCheckInterval: 5 * time.Second,
			MaxFrameBytes:       16 << 20,
			BufferSize:          4096,
		},
		Worker: WorkerConfig{
			Server:            "127.0.0.1:7070",
			RetryDelay:        time.Second,
			KeepaliveInterval: 4 * time.Second,
			KeepaliveTimeout:  4 * time.Second,
			DialTimeout:       5 * time.Second,
		},
		API: APIConfig{Listen: "127.0.0.1:7071"},
		Metrics: MetricsConfig{
			Interval:  10 * time.Second,
			Retention: time.Minute,
		},
	}
}

// Load reads the configuration file at configPath, follows its include
// list, fills defaults and validates the result. A directory is read as
// its workq.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}

	cfg := Defaults()
	visited := map[string]bool{absPath: true}
	if err := loadConfigFile(cfg, absPath); err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadIncludes overlays included files onto cfg in order. Later files win
// for every key they set.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		cfg.Include = nil
		if err := loadConfigFile(cfg, absPath); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if nested := cfg.Include; len(nested) > 0 {
			if err := loadIncludes(cfg, nested, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	cfg.Include = includes
	return nil
}

// loadConfigFile decodes one file onto cfg after ${VAR} interpolation.
func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))
	if strings.TrimSpace(interpolated) == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unknown
// variables are left in place and caught by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if err := validateAddr("server.listen", cfg.Server.Listen); err != nil {
		return err
	}
	if cfg.Server.HealthCheckInterval <= 0 {
		return fmt.Errorf("server.health_check_interval must be positive")
	}
	if cfg.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be positive")
	}
	if cfg.Server.BufferSize <= 0 {
		return fmt.Errorf("server.buffer_size must be positive")
	}
	if (cfg.Server.TLS.Cert == "") != (cfg.Server.TLS.Key == "") {
		return fmt.Errorf("server.tls needs both cert and key")
	}

	if err := validateAddr("worker.server", cfg.Worker.Server); err != nil {
		return err
	}
	if cfg.Worker.RetryDelay <= 0 {
		return fmt.Errorf("worker.retry_delay must be positive")
	}
	if cfg.Worker.KeepaliveInterval <= 0 || cfg.Worker.KeepaliveTimeout <= 0 {
		return fmt.Errorf("worker.keepalive_interval and worker.keepalive_timeout must be positive")
	}
	if cfg.Worker.DialTimeout < 0 {
		return fmt.Errorf("worker.dial_timeout must not be negative")
	}

	if cfg.API.Enabled {
		if err := validateAddr("api.listen", cfg.API.Listen); err != nil {
			return err
		}
	}
	if cfg.Metrics.Interval <= 0 || cfg.Metrics.Retention < cfg.Metrics.Interval {
		return fmt.Errorf("metrics.retention must be at least metrics.interval, both positive")
	}

	for field, value := range map[string]string{
		"server.listen":   cfg.Server.Listen,
		"worker.server":   cfg.Worker.Server,
		"server.tls.cert": cfg.Server.TLS.Cert,
		"server.tls.key":  cfg.Server.TLS.Key,
		"worker.tls.ca":   cfg.Worker.TLS.CA,
		"journal.path":    cfg.Journal.Path,
		"api.listen":      cfg.API.Listen,
		"worker.tls.cert": cfg.Worker.TLS.Cert,
		"worker.tls.key":  cfg.Worker.TLS.Key,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s references unset environment variable %s", field, m[1])
		}
	}
	return nil
}

func validateAddr(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if !strings.Contains(addr, ":") {
		return fmt.Errorf("%s must be host:port (got %q)", field, addr)
	}
	return nil
}
