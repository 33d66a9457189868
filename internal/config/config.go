// Package config loads the node's INI configuration file and its
// colon-delimited credentials file (spec.md §6). Only loading is in
// scope here; verifying a client's credentials at connection time is a
// wire-protocol concern this repository does not implement.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Config is the node's parsed INI configuration.
type Config struct {
	DataDir           string
	CheckpointDir     string
	LegacyPort        int
	NeoPort           int
	ConnectionLimit   int
	Backlog           int
	CPUPinIndex       int
	ControlSocketPath string
	LogLevel          string
	MaxValueLen       int64
}

// Default returns a Config with the same defaults the teacher's node
// shipped with, overridden by whatever a loaded file sets.
func Default() *Config {
	return &Config{
		DataDir:         "data",
		CheckpointDir:   "data/.checkpoint",
		LegacyPort:      8765,
		NeoPort:         8766,
		ConnectionLimit: 1000,
		Backlog:         256,
		CPUPinIndex:     -1,
		LogLevel:        "info",
		MaxValueLen:     1<<31 - 1,
	}
}

// Load parses an INI file at path into a Config seeded with Default().
// A missing file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
	}

	sec := f.Section("")
	cfg.DataDir = sec.Key("data_dir").MustString(cfg.DataDir)
	cfg.CheckpointDir = sec.Key("checkpoint_dir").MustString(cfg.CheckpointDir)
	cfg.LegacyPort = sec.Key("legacy_port").MustInt(cfg.LegacyPort)
	cfg.NeoPort = sec.Key("neo_port").MustInt(cfg.NeoPort)
	cfg.ConnectionLimit = sec.Key("connection_limit").MustInt(cfg.ConnectionLimit)
	cfg.Backlog = sec.Key("backlog").MustInt(cfg.Backlog)
	cfg.CPUPinIndex = sec.Key("cpu_pin_index").MustInt(cfg.CPUPinIndex)
	cfg.ControlSocketPath = sec.Key("control_socket_path").MustString(cfg.ControlSocketPath)
	cfg.LogLevel = sec.Key("log_level").MustString(cfg.LogLevel)
	cfg.MaxValueLen = sec.Key("max_value_len").MustInt64(cfg.MaxValueLen)

	return cfg, nil
}

// Credentials maps a client name to its key, as loaded from a
// colon-delimited "client_name:key" credentials file.
type Credentials map[string]string

// LoadCredentials reads a colon-delimited credentials file. Blank lines
// and lines starting with '#' are ignored. A missing file yields empty
// Credentials, not an error — a deployment with no client auth
// configured is a valid state for this loader to report.
func LoadCredentials(path string) (Credentials, error) {
	creds := make(Credentials)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed to open credentials %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, key, ok := strings.Cut(text, ":")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("config: credentials %s:%d: malformed entry", path, line)
		}
		creds[name] = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed to read credentials %s: %w", path, err)
	}
	return creds, nil
}
