// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

// Config holds the settings of a wallet session and the daemon around it.
type Config struct {
	DataDir  string
	Network  string
	LogLevel string
	LogFile  string

	// ListenAddr is the host:port the daemon's HTTP API binds to.
	ListenAddr string

	SPVEnabled      bool
	Server          string
	AlternateServer string

	// Checkpoints are "height:hash" pairs merged into the network params.
	Checkpoints []string

	MinConfirmations uint32
	SyncInterval     time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() Config {
	return Config{
		DataDir:          DefaultDataDir(),
		Network:          "mainnet",
		LogLevel:         "info",
		LogFile:          "",
		ListenAddr:       "127.0.0.1:8335",
		SPVEnabled:       true,
		MinConfirmations: 1,
		SyncInterval:     time.Minute,
		RequestTimeout:   30 * time.Second,
		MaxRetries:       5,
	}
}

// DefaultDataDir returns ~/.libspv, or .libspv in the working directory
// when the home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".libspv"
	}
	return filepath.Join(home, ".libspv")
}

// ConfigPath returns the configuration file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config")
}

// NetworkID parses the configured network name.
func (c Config) NetworkID() (spv.Network, error) {
	n, err := spv.ParseNetwork(c.Network)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	return n, nil
}

// HeadersPath returns the header chain file for the configured network.
func (c Config) HeadersPath() string {
	n, err := c.NetworkID()
	if err != nil {
		return filepath.Join(c.DataDir, "headers_chain_"+c.Network)
	}
	return filepath.Join(c.DataDir, spv.HeadersFileName(n))
}

// StatusDBPath returns the transaction status database for the configured
// network.
func (c Config) StatusDBPath() string {
	return filepath.Join(c.DataDir, "spv_status_"+strings.ToLower(c.Network)+".db")
}

// Params returns the built-in params of the configured network with the
// configured checkpoints merged in.
func (c Config) Params() (*spv.NetworkParams, error) {
	n, err := c.NetworkID()
	if err != nil {
		return nil, err
	}
	params, err := spv.ParamsForNetwork(n)
	if err != nil {
		return nil, err
	}
	cps, err := ParseCheckpoints(c.Checkpoints)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return params, nil
	}
	return params.WithCheckpoints(cps...)
}

// RetryPolicy maps MaxRetries onto the engine's retry policy.
func (c Config) RetryPolicy() spv.RetryPolicy {
	p := spv.DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		p.MaxAttempts = c.MaxRetries
	}
	return p
}

// ParseCheckpoints parses "height:hash" entries.
func ParseCheckpoints(entries []string) ([]spv.Checkpoint, error) {
	cps := make([]spv.Checkpoint, 0, len(entries))
	for _, e := range entries {
		heightStr, hashStr, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCheckpoint, e)
		}
		height, err := strconv.ParseUint(strings.TrimSpace(heightStr), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCheckpoint, e, err)
		}
		hashStr = strings.TrimSpace(hashStr)
		if len(hashStr) != 2*chainhash.HashSize {
			return nil, fmt.Errorf("%w: %q: hash must be %d hex characters",
				ErrInvalidCheckpoint, e, 2*chainhash.HashSize)
		}
		hash, err := chainhash.NewHashFromHex(hashStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCheckpoint, e, err)
		}
		cps = append(cps, spv.Checkpoint{Height: uint32(height), Hash: *hash})
	}
	return cps, nil
}

// LoadConfig reads a key = value configuration file. Keys missing from the
// file keep their default values; unknown keys are ignored. "checkpoint" may
// repeat.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return Config{}, fmt.Errorf("%w: line %d: %q", err, lineNum, line)
		}
		if err := cfg.set(key, value); err != nil {
			return Config{}, fmt.Errorf("config: line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

// parseKeyValue splits a line on its first '='.
func parseKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", ErrInvalidConfigLine
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", ErrInvalidConfigLine
	}
	return key, strings.TrimSpace(value), nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "datadir":
		c.DataDir = value
	case "network":
		c.Network = value
	case "loglevel":
		c.LogLevel = value
	case "logfile":
		c.LogFile = value
	case "listen":
		c.ListenAddr = value
	case "spv":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: spv: %q", ErrInvalidConfigLine, value)
		}
		c.SPVEnabled = b
	case "server":
		c.Server = value
	case "altserver":
		c.AlternateServer = value
	case "checkpoint":
		if value != "" {
			c.Checkpoints = append(c.Checkpoints, value)
		}
	case "minconf":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: minconf: %q", ErrInvalidConfigLine, value)
		}
		c.MinConfirmations = uint32(n)
	case "syncinterval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: syncinterval: %w", ErrInvalidDuration, err)
		}
		c.SyncInterval = d
	case "requesttimeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: requesttimeout: %w", ErrInvalidDuration, err)
		}
		c.RequestTimeout = d
	case "maxretries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: maxretries: %q", ErrInvalidConfigLine, value)
		}
		c.MaxRetries = n
	}
	return nil
}

// SaveConfig writes cfg to path, creating parent directories as needed.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# libspv Configuration\n\n")
	writeKV(&b, "datadir", cfg.DataDir)
	writeKV(&b, "network", cfg.Network)
	writeKV(&b, "loglevel", cfg.LogLevel)
	writeKV(&b, "logfile", cfg.LogFile)
	writeKV(&b, "listen", cfg.ListenAddr)
	b.WriteString("\n# SPV\n")
	writeKV(&b, "spv", strconv.FormatBool(cfg.SPVEnabled))
	writeKV(&b, "server", cfg.Server)
	writeKV(&b, "altserver", cfg.AlternateServer)
	for _, cp := range cfg.Checkpoints {
		writeKV(&b, "checkpoint", cp)
	}
	writeKV(&b, "minconf", strconv.FormatUint(uint64(cfg.MinConfirmations), 10))
	writeKV(&b, "syncinterval", cfg.SyncInterval.String())
	writeKV(&b, "requesttimeout", cfg.RequestTimeout.String())
	writeKV(&b, "maxretries", strconv.Itoa(cfg.MaxRetries))

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func writeKV(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "%s = %s\n", key, value)
}
