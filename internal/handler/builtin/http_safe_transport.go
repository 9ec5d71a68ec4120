package builtin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ipValidator blocks outbound requests from reaching loopback, private,
// link-local, multicast or unspecified addresses. Grounded on
// cmd/http-worker/security/ip_validator.go's SSRF-hardening checks, ported
// from a worker-process-level validator chain into a single dialer guard
// since NodeHandlers here run in-process (§4.9).
type ipValidator struct{}

func (ipValidator) validate(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("ip address is nil")
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is blocked (SSRF protection: loopback address)", ip.String())
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is blocked (SSRF protection: private network)", ip.String())
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("ip %s is blocked (SSRF protection: link-local address)", ip.String())
	case ip.IsMulticast():
		return fmt.Errorf("ip %s is blocked (SSRF protection: multicast address)", ip.String())
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is blocked (SSRF protection: unspecified address)", ip.String())
	}
	return nil
}

// protocolValidator restricts outbound schemes to http/https, grounded on
// cmd/http-worker/security/protocol_validator.go.
type protocolValidator struct{}

func (protocolValidator) validate(scheme string) error {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("scheme %q is blocked (SSRF protection: only http/https allowed)", scheme)
	}
}

// safeTransport wraps http.Transport with a DialContext that resolves the
// target host and validates every resulting IP before connecting, so a
// redirect or DNS answer can't smuggle the request to an internal address.
func newSafeTransport() *http.Transport {
	ipv := ipValidator{}
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}

			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, fmt.Errorf("resolve host %q: %w", host, err)
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no IP addresses resolved for host %q", host)
			}
			for _, ip := range ips {
				if err := ipv.validate(ip); err != nil {
					return nil, err
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}
