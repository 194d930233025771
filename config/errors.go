// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

package config

import "errors"

var (
	// ErrInvalidNetwork indicates the network name is not recognized.
	ErrInvalidNetwork = errors.New("config: invalid network (must be \"mainnet\", \"testnet\", \"regtest\", or \"liquid\")")

	// ErrInvalidListenAddr indicates the listen address is malformed.
	ErrInvalidListenAddr = errors.New("config: invalid listen address")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("config: invalid log level (must be \"trace\", \"debug\", \"info\", \"warn\", or \"error\")")

	// ErrEmptyDataDir indicates the data directory path is empty.
	ErrEmptyDataDir = errors.New("config: data directory must not be empty")

	// ErrConfigNotFound indicates the configuration file does not exist.
	ErrConfigNotFound = errors.New("config: configuration file not found")

	// ErrInvalidConfigLine indicates a line in the config file is malformed.
	ErrInvalidConfigLine = errors.New("config: invalid configuration line")

	// ErrInvalidCheckpoint indicates a checkpoint is not a "height:hash" pair.
	ErrInvalidCheckpoint = errors.New("config: invalid checkpoint (want height:hash)")

	// ErrInvalidDuration indicates a sync interval or timeout is not positive.
	ErrInvalidDuration = errors.New("config: invalid duration")

	// ErrInvalidServer indicates a server address cannot be parsed.
	ErrInvalidServer = errors.New("config: invalid server address")

	// ErrInvalidMinConf indicates a zero confirmation depth.
	ErrInvalidMinConf = errors.New("config: minconf must be at least 1")
)
