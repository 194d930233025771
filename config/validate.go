// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/bitfsorg/libspv-go/network"
)

// validLogLevels lists the accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validNetworks lists the accepted network names.
var validNetworks = map[string]bool{
	"mainnet": true,
	"testnet": true,
	"regtest": true,
	"liquid":  true,
}

// ValidateConfig checks that all configuration values are within acceptable
// ranges and returns the first error encountered, or nil if valid.
func ValidateConfig(cfg Config) error {
	if cfg.DataDir == "" {
		return ErrEmptyDataDir
	}

	if !validNetworks[cfg.Network] {
		return ErrInvalidNetwork
	}

	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListenAddr, err)
	}

	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return ErrInvalidLogLevel
	}

	for _, s := range []string{cfg.Server, cfg.AlternateServer} {
		if s == "" {
			continue
		}
		if _, err := network.ParseEndpoint(s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidServer, err)
		}
	}

	if _, err := ParseCheckpoints(cfg.Checkpoints); err != nil {
		return err
	}

	if cfg.MinConfirmations == 0 {
		return ErrInvalidMinConf
	}
	if cfg.SyncInterval <= 0 {
		return fmt.Errorf("%w: syncinterval %s", ErrInvalidDuration, cfg.SyncInterval)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("%w: requesttimeout %s", ErrInvalidDuration, cfg.RequestTimeout)
	}

	return nil
}

// validateAddr checks that addr is a valid host:port address.
func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return err
}
