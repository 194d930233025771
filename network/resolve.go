package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/bitfsorg/libspv-go/spv"
)

// SRV service names for Electrum servers.
const (
	SRVElectrum    = "electrum"  // _electrum._tcp.{domain}
	SRVElectrumTLS = "electrums" // _electrums._tcp.{domain}
)

const (
	// defaultUpstream is the default recursive resolver for SRV queries.
	defaultUpstream = "8.8.8.8:53"

	// dnsTimeout bounds a single DNS exchange.
	dnsTimeout = 10 * time.Second

	// edns0BufSize is the EDNS0 UDP buffer size.
	edns0BufSize = 4096
)

// SRVResolver looks up SRV records. Implementations return records in any
// order.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) ([]*net.SRV, error)
}

// DNSResolver queries an upstream recursive resolver directly with
// miekg/dns. With RequireDNSSEC set, answers without the AD (Authenticated
// Data) flag are rejected.
type DNSResolver struct {
	// Upstream is the recursive resolver address (e.g., "8.8.8.8:53").
	Upstream      string
	Timeout       time.Duration
	RequireDNSSEC bool
}

var _ SRVResolver = (*DNSResolver)(nil)

// NewDNSResolver creates a resolver. If upstream is empty, it defaults to
// "8.8.8.8:53".
func NewDNSResolver(upstream string) *DNSResolver {
	if upstream == "" {
		upstream = defaultUpstream
	}
	return &DNSResolver{Upstream: upstream, Timeout: dnsTimeout}
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(edns0BufSize, r.RequireDNSSEC)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = dnsTimeout
	}
	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, r.Upstream)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s %s: %w",
			ErrDNSLookupFailed, name, dns.TypeToString[qtype], err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: query %s %s: rcode %s",
			ErrDNSLookupFailed, name, dns.TypeToString[qtype],
			dns.RcodeToString[resp.Rcode])
	}

	if r.RequireDNSSEC && !resp.AuthenticatedData {
		return nil, fmt.Errorf("%w: AD flag not set for %s %s",
			ErrDNSSECValidationFailed, name, dns.TypeToString[qtype])
	}
	return resp, nil
}

// LookupSRV looks up _service._proto.name.
func (r *DNSResolver) LookupSRV(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
	qname := fmt.Sprintf("_%s._%s.%s", service, proto, name)

	resp, err := r.query(ctx, qname, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var srvs []*net.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, &net.SRV{
				Target:   strings.TrimSuffix(srv.Target, "."),
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("%w: no SRV records for %s", ErrDNSLookupFailed, qname)
	}
	return srvs, nil
}

// systemResolver uses the host's resolver configuration.
type systemResolver struct{}

func (systemResolver) LookupSRV(ctx context.Context, service, proto, name string) ([]*net.SRV, error) {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, service, proto, name)
	if err != nil {
		return nil, fmt.Errorf("%w: SRV lookup for _%s._%s.%s: %w", ErrDNSLookupFailed, service, proto, name, err)
	}
	return addrs, nil
}

// DefaultResolver is the production resolver using the host configuration.
var DefaultResolver SRVResolver = systemResolver{}

// ResolveEndpoints returns the Electrum endpoints advertised for domain,
// sorted by priority (ascending) then weight (descending).
func ResolveEndpoints(ctx context.Context, domain string, useTLS bool, resolver SRVResolver) ([]Endpoint, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrDNSLookupFailed)
	}
	if resolver == nil {
		resolver = DefaultResolver
	}

	service := SRVElectrum
	if useTLS {
		service = SRVElectrumTLS
	}
	addrs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no SRV records for _%s._tcp.%s", ErrNoEndpoints, service, domain)
	}

	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Priority != addrs[j].Priority {
			return addrs[i].Priority < addrs[j].Priority
		}
		return addrs[i].Weight > addrs[j].Weight
	})

	endpoints := make([]Endpoint, len(addrs))
	for i, srv := range addrs {
		endpoints[i] = Endpoint{
			Host:      strings.TrimSuffix(srv.Target, "."),
			Port:      srv.Port,
			TLS:       useTLS,
			Transport: TransportElectrum,
		}
	}
	return endpoints, nil
}

// ResolveEndpoint fills in a missing Electrum port, first from DNS SRV
// records of the host and then from the network's default port. Endpoints
// that already carry a port, and RPC endpoints, are returned unchanged.
func ResolveEndpoint(ctx context.Context, ep Endpoint, params *spv.NetworkParams, resolver SRVResolver) (Endpoint, error) {
	if ep.Port != 0 || ep.Transport != TransportElectrum {
		return ep, nil
	}

	endpoints, err := ResolveEndpoints(ctx, ep.Host, ep.TLS, resolver)
	if err == nil {
		log.Debugf("Resolved %s to %s via SRV", ep.Host, endpoints[0].Address())
		return endpoints[0], nil
	}
	log.Debugf("No SRV records for %s, using default port: %v", ep.Host, err)

	if params == nil {
		return ep, fmt.Errorf("%w: %s has no port: %w", ErrNoEndpoints, ep.Host, err)
	}
	ep.Port = params.DefaultPort
	if ep.TLS {
		ep.Port = params.DefaultTLSPort
	}
	return ep, nil
}
