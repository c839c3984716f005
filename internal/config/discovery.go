package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the file looked up inside configuration directories.
const ConfigFileName = "workq.yaml"

// Discover finds the configuration file by checking standard locations.
// Priority order: $WORKQ_CONFIG, ~/.config/workq, /etc/workq, ./workq.yaml.
// It returns "" without error when nothing is found; callers then run on
// Defaults.
func Discover() (string, error) {
	if path := os.Getenv("WORKQ_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("WORKQ_CONFIG points to a missing path: %s", path)
		}
		return path, nil
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "workq", ConfigFileName))
	}
	candidates = append(candidates, filepath.Join("/etc", "workq", ConfigFileName), ConfigFileName)

	for _, path := range candidates {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", nil
}

// LoadOrDefault loads path, or discovers a file when path is empty. With
// nothing to load it returns Defaults.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		found, err := Discover()
		if err != nil {
			return nil, "", err
		}
		path = found
	}
	if path == "" {
		cfg := Defaults()
		return cfg, "", validate(cfg)
	}

	cfg, err := Load(path)
	return cfg, path, err
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
