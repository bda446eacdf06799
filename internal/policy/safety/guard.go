// Package safety rejects URLs that would make the scraper reach internal
// infrastructure (SSRF).
package safety

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// blockedRanges covers non-public IPv4 and IPv6 space.
var blockedRanges = mustPrefixes(
	"0.0.0.0/8",          // this network
	"10.0.0.0/8",         // private
	"100.64.0.0/10",      // shared address space
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link local, cloud metadata
	"172.16.0.0/12",      // private
	"192.0.0.0/24",       // IETF protocol assignments
	"192.0.2.0/24",       // TEST-NET-1
	"192.168.0.0/16",     // private
	"198.18.0.0/15",      // benchmarking
	"198.51.100.0/24",    // TEST-NET-2
	"203.0.113.0/24",     // TEST-NET-3
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
	"::/128",             // unspecified
	"::1/128",            // loopback
	"64:ff9b::/96",       // NAT64 can map to internal v4
	"100::/64",           // discard
	"2001:db8::/32",      // documentation
	"fc00::/7",           // unique local
	"fe80::/10",          // link local
	"ff00::/8",           // multicast
)

// Guard validates schemes, hosts and resolved addresses.
type Guard struct {
	resolver Resolver
	deny     *crawler.DomainMatcher
	allow    []netip.Prefix
	logger   *zap.Logger
}

// Options configures a Guard.
type Options struct {
	Resolver Resolver
	// DenyDomains are rejected before resolution.
	DenyDomains []string
	// AllowedCIDRs punch holes in the blocked ranges, e.g. for an internal
	// staging target.
	AllowedCIDRs []string
}

// New builds a Guard.
func New(opts Options, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	allow := make([]netip.Prefix, 0, len(opts.AllowedCIDRs))
	for _, cidr := range opts.AllowedCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("parse allowed cidr %q: %w", cidr, err)
		}
		allow = append(allow, p)
	}
	return &Guard{
		resolver: opts.Resolver,
		deny:     crawler.NewDomainMatcher(opts.DenyDomains),
		allow:    allow,
		logger:   logger,
	}, nil
}

// Check implements crawler.SafetyChecker. Every resolved address must be
// public; resolution failures are rejected.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrUnsafeURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", crawler.ErrUnsafeURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", crawler.ErrUnsafeURL)
	}
	if g.deny.Match(host) || strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: host %q denied", crawler.ErrUnsafeURL, host)
	}

	var addrs []netip.Addr
	if literal, perr := netip.ParseAddr(host); perr == nil {
		addrs = []netip.Addr{literal}
	} else {
		addrs, err = g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("%w: resolve %q: %v", crawler.ErrUnsafeURL, host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("%w: %q resolved to no addresses", crawler.ErrUnsafeURL, host)
		}
	}
	for _, addr := range addrs {
		if !g.public(addr) {
			g.logger.Warn("blocked internal network access",
				zap.String("url", rawURL), zap.String("resolved_ip", addr.String()))
			return fmt.Errorf("%w: %q resolves to non-public address %s", crawler.ErrUnsafeURL, host, addr)
		}
	}
	return nil
}

// IsSafe is Check as a predicate.
func (g *Guard) IsSafe(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL) == nil
}

// public strips any zone first; Prefix.Contains never matches a zoned address.
func (g *Guard) public(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	for _, p := range g.allow {
		if p.Contains(addr) {
			return true
		}
	}
	for _, p := range blockedRanges {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}
