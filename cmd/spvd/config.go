package main

import (
	"errors"
	"fmt"

	flags "github.com/jessevdk/go-flags"

	"github.com/bitfsorg/libspv-go/config"
)

// options are the command line flags. Each one that is set overrides the
// matching key of the configuration file.
type options struct {
	ConfigFile  string   `short:"C" long:"configfile" env:"SPVD_CONFIGFILE" description:"Path to configuration file (default: <datadir>/config)"`
	DataDir     string   `short:"b" long:"datadir" env:"SPVD_DATADIR" description:"Directory for the header chain and status database"`
	Network     string   `long:"network" env:"SPVD_NETWORK" description:"Network to follow {mainnet, testnet, regtest, liquid}"`
	Server      string   `short:"s" long:"server" env:"SPVD_SERVER" description:"Indexing server: tcp://, ssl://, host:port[:t|:s] or http(s):// node RPC"`
	AltServer   string   `long:"altserver" env:"SPVD_ALTSERVER" description:"Independent server used for cross-validation"`
	NoSPV       bool     `long:"nospv" description:"Track transactions without verifying them"`
	Checkpoints []string `long:"checkpoint" description:"Extra checkpoint as height:hash; may be specified multiple times"`
	MinConf     uint32   `long:"minconf" description:"Confirmations required before a transaction is verified"`
	LogLevel    string   `short:"d" long:"loglevel" env:"SPVD_LOGLEVEL" description:"Logging level for all subsystems {trace, debug, info, warn, error}"`
	DebugLevel  string   `long:"debuglevel" description:"Per-subsystem levels as SUBSYS=level,...; 'show' lists the subsystems"`
	LogFile     string   `long:"logfile" env:"SPVD_LOGFILE" description:"Also write logs to this file, rotating it at 10 MiB"`
	Listen      string   `long:"listen" env:"SPVD_LISTEN" description:"Address of the HTTP API"`
	SaveConfig  bool     `long:"saveconfig" description:"Write the effective configuration to the config file and exit"`
}

// loadConfig parses args, loads the configuration file and applies the flags
// on top of it. It returns the merged configuration, the parsed options and
// the configuration file path.
func loadConfig(args []string) (config.Config, *options, string, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return config.Config{}, nil, "", err
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	cfgPath := opts.ConfigFile
	if cfgPath == "" {
		cfgPath = config.ConfigPath(dataDir)
	}

	cfg, err := config.LoadConfig(cfgPath)
	switch {
	case errors.Is(err, config.ErrConfigNotFound) && opts.ConfigFile == "":
		cfg = config.DefaultConfig()
	case err != nil:
		return config.Config{}, nil, "", err
	}

	applyOptions(&cfg, &opts)

	if err := config.ValidateConfig(cfg); err != nil {
		return config.Config{}, nil, "", fmt.Errorf("%s: %w", cfgPath, err)
	}
	return cfg, &opts, cfgPath, nil
}

func applyOptions(cfg *config.Config, opts *options) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.DataDir, opts.DataDir)
	set(&cfg.Network, opts.Network)
	set(&cfg.Server, opts.Server)
	set(&cfg.AlternateServer, opts.AltServer)
	set(&cfg.LogLevel, opts.LogLevel)
	set(&cfg.LogFile, opts.LogFile)
	set(&cfg.ListenAddr, opts.Listen)

	if opts.NoSPV {
		cfg.SPVEnabled = false
	}
	if opts.MinConf > 0 {
		cfg.MinConfirmations = opts.MinConf
	}
	cfg.Checkpoints = append(cfg.Checkpoints, opts.Checkpoints...)
}
