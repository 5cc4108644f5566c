package funksiyachi

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
)

// TrustPolicy selects how the server certificate is validated.
type TrustPolicy uint8

const (
	// TrustSystemStore validates against the platform roots with
	// standard hostname verification.
	TrustSystemStore TrustPolicy = iota
	// TrustEmbeddedSelfSigned trusts only the compiled-in development
	// certificate and accepts any presented hostname. Loopback only.
	TrustEmbeddedSelfSigned
)

func (p TrustPolicy) String() string {
	switch p {
	case TrustEmbeddedSelfSigned:
		return "embedded_self_signed"
	default:
		return "system_trust_store"
	}
}

// ClassifyTarget picks the trust policy for a raw target address.
// Only the literal `localhost:` and `127.0.0.1:` prefixes select the
// embedded policy, every other target goes through the system roots.
func ClassifyTarget(target string) TrustPolicy {
	if strings.HasPrefix(target, "localhost:") || strings.HasPrefix(target, "127.0.0.1:") {
		return TrustEmbeddedSelfSigned
	}
	return TrustSystemStore
}

// Resolver looks up the addresses of a hostname.
// [net.Resolver] satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var loopbackV4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

func isLocalhostName(host string) bool {
	return host == "localhost" || host == "localhost.localdomain"
}

// ResolveAddr turns `ip:port` or `hostname:port` into a socket address.
// Localhost names never hit DNS, other hostnames resolve to the first
// address returned by the resolver.
func ResolveAddr(ctx context.Context, resolver Resolver, target string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(target); err == nil {
		return addr, nil
	}

	parts := strings.Split(target, ":")
	if len(parts) != 2 || parts[0] == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, target)
	}

	hostname := parts[0]
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid port number %q", ErrInvalidAddress, parts[1])
	}

	if isLocalhostName(hostname) {
		return netip.AddrPortFrom(loopbackV4, uint16(port)), nil
	}

	addrs, err := resolver.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %s: %w", ErrUnresolvedHost, hostname, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s: no addresses found", ErrUnresolvedHost, hostname)
	}

	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

// ServerNameFor returns the name the server certificate is checked
// against. Loopback spellings all map to "localhost", anything else
// keeps the host portion of the raw target, never the resolved IP.
func ServerNameFor(target string) string {
	var host string
	if addr, err := netip.ParseAddrPort(target); err == nil {
		host = addr.Addr().String()
	} else {
		host, _, _ = strings.Cut(target, ":")
	}

	if isLocalhostName(host) || host == loopbackV4.String() {
		return "localhost"
	}
	return host
}

// Target is everything derived from a raw address for a single
// connection attempt.
type Target struct {
	Raw        string
	Addr       netip.AddrPort
	ServerName string
	Policy     TrustPolicy
}

// ParseTarget classifies and resolves raw.
func ParseTarget(ctx context.Context, resolver Resolver, raw string) (Target, error) {
	addr, err := ResolveAddr(ctx, resolver, raw)
	if err != nil {
		return Target{}, err
	}

	return Target{
		Raw:        raw,
		Addr:       addr,
		ServerName: ServerNameFor(raw),
		Policy:     ClassifyTarget(raw),
	}, nil
}

func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("raw", t.Raw),
		slog.String("addr", t.Addr.String()),
		slog.String("server_name", t.ServerName),
		slog.String("policy", t.Policy.String()),
	)
}
