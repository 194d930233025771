package network

import (
	"fmt"
	"time"
)

// Environment variables consulted by ResolveRPCConfig.
const (
	EnvRPCURL  = "SPV_RPC_URL"
	EnvRPCUser = "SPV_RPC_USER"
	EnvRPCPass = "SPV_RPC_PASS"
)

// RPCConfig holds the connection parameters for a node's JSON-RPC interface.
type RPCConfig struct {
	URL      string        `json:"url"`
	User     string        `json:"user"`
	Password string        `json:"password"`
	Network  string        `json:"network"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// NetworkPresets contains default RPC configurations for local test nodes.
// Mainnet and liquid are intentionally omitted to require explicit
// configuration.
var NetworkPresets = map[string]RPCConfig{
	"regtest": {URL: "http://localhost:18332", User: "spv", Password: "spv"},
	"testnet": {URL: "http://localhost:18332", User: "spv", Password: "spv"},
}

// ResolveRPCConfig merges RPC configuration from three sources with
// decreasing priority:
//  1. CLI flags (highest priority)
//  2. Environment variables (SPV_RPC_URL, SPV_RPC_USER, SPV_RPC_PASS)
//  3. Network presets (lowest priority, regtest/testnet only)
func ResolveRPCConfig(flags *RPCConfig, env map[string]string, network string) (*RPCConfig, error) {
	result := RPCConfig{Network: network}

	if preset, ok := NetworkPresets[network]; ok {
		result = preset
		result.Network = network
	}

	if env != nil {
		if v := env[EnvRPCURL]; v != "" {
			result.URL = v
		}
		if v := env[EnvRPCUser]; v != "" {
			result.User = v
		}
		if v := env[EnvRPCPass]; v != "" {
			result.Password = v
		}
	}

	if flags != nil {
		if flags.URL != "" {
			result.URL = flags.URL
		}
		if flags.User != "" {
			result.User = flags.User
		}
		if flags.Password != "" {
			result.Password = flags.Password
		}
		if flags.Timeout > 0 {
			result.Timeout = flags.Timeout
		}
	}

	if result.URL == "" {
		return nil, fmt.Errorf("%w: %s requires explicit RPC configuration (set --server or %s)",
			ErrNoEndpoints, network, EnvRPCURL)
	}
	return &result, nil
}
