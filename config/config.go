// Package config reads the client's flat key=value configuration file.
// No structured format (YAML, TOML) is used: the file has no nesting
// and only ever holds a handful of scalar settings, so a small
// hand-rolled line scanner is the idiomatic fit (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the recognized client settings, defaulted per spec.md §6.
type Config struct {
	PeerIDPrefix      string
	ListenPort        int
	MaxConnections    int
	PieceTimeout      time.Duration
	RequestTimeout    time.Duration
	MaxRetries        int
	DownloadDirectory string
}

// Default returns the client's built-in defaults.
func Default() Config {
	return Config{
		PeerIDPrefix:      "-GT0104-",
		ListenPort:        6881,
		MaxConnections:    50,
		PieceTimeout:      30 * time.Second,
		RequestTimeout:    10 * time.Second,
		MaxRetries:        3,
		DownloadDirectory: ".",
	}
}

// Load reads a flat key=value file, overriding Default()'s fields with
// whatever keys are present. Blank lines and lines starting with '#'
// are ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, fmt.Errorf("config: %s:%d: expected key=value, got %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := apply(&cfg, key, value); err != nil {
			return cfg, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return cfg, nil
}

func apply(cfg *Config, key, value string) error {
	switch key {
	case "peer_id_prefix":
		cfg.PeerIDPrefix = value
	case "listen_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("listen_port: %w", err)
		}
		cfg.ListenPort = n
	case "max_connections":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_connections: %w", err)
		}
		cfg.MaxConnections = n
	case "piece_timeout":
		d, err := parseSecondsOrDuration(value)
		if err != nil {
			return fmt.Errorf("piece_timeout: %w", err)
		}
		cfg.PieceTimeout = d
	case "request_timeout":
		d, err := parseSecondsOrDuration(value)
		if err != nil {
			return fmt.Errorf("request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	case "max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_retries: %w", err)
		}
		cfg.MaxRetries = n
	case "download_directory":
		cfg.DownloadDirectory = value
	default:
		return fmt.Errorf("unrecognized option %q", key)
	}
	return nil
}

// parseSecondsOrDuration accepts a bare integer as whole seconds (the
// file format spec.md §6 describes) or a Go duration string like "30s".
func parseSecondsOrDuration(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(value)
}
