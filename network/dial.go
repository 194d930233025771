package network

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitfsorg/libspv-go/spv"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Params supplies the default Electrum ports when neither the address
	// nor DNS names one, and the header wire format.
	Params *spv.NetworkParams

	// Resolver looks up SRV records; nil uses DefaultResolver.
	Resolver SRVResolver

	Electrum ElectrumOptions

	// RPCUser and RPCPassword authenticate to node RPC endpoints.
	RPCUser     string
	RPCPassword string
	RPCTimeout  time.Duration
}

// Dial connects to an indexing server and returns it as a chain source,
// together with the closer that releases the connection.
func Dial(ctx context.Context, ep Endpoint, opts DialOptions) (spv.ChainSource, io.Closer, error) {
	switch ep.Transport {
	case TransportRPC:
		c := NewRPCClient(RPCConfig{
			URL:      ep.URL(),
			User:     opts.RPCUser,
			Password: opts.RPCPassword,
			Timeout:  opts.RPCTimeout,
		})
		c.params = opts.Params
		log.Debugf("Using node RPC at %s", c.URL())
		return c, c, nil

	case TransportElectrum:
		resolved, err := ResolveEndpoint(ctx, ep, opts.Params, opts.Resolver)
		if err != nil {
			return nil, nil, err
		}
		eo := opts.Electrum
		if eo.Params == nil {
			eo.Params = opts.Params
		}
		c, err := DialElectrum(ctx, resolved, eo)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown transport %s", ErrInvalidEndpoint, ep.Transport)
	}
}

// DialAddress parses addr with ParseEndpoint and dials it.
func DialAddress(ctx context.Context, addr string, opts DialOptions) (spv.ChainSource, io.Closer, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, nil, err
	}
	return Dial(ctx, ep, opts)
}
