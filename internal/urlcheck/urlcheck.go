// Package urlcheck validates candidate webhook endpoint URLs before they are
// accepted into the subscription store. Rejecting loopback and private-range
// hosts here is the SSRF defense for the whole delivery path.
package urlcheck

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrInvalidURL is wrapped by every rejection so callers can map it to a
// client error with errors.Is.
var ErrInvalidURL = errors.New("invalid webhook URL")

// Validate returns nil if raw is an absolute http(s) URL whose host is
// allowed as a delivery target. The host must not be localhost, a loopback
// literal, or an address in 10.0.0.0/8, 172.16.0.0/12 or 192.168.0.0/16.
func Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("%w: must be absolute", ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: localhost is not allowed", ErrInvalidURL)
	}

	// Non-literal hostnames pass; resolution-time games are bounded by the
	// delivery timeout. Literals in forbidden ranges are rejected outright.
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.IsLoopback() {
		return fmt.Errorf("%w: loopback address %s", ErrInvalidURL, host)
	}
	if addr.IsPrivate() {
		return fmt.Errorf("%w: private address %s", ErrInvalidURL, host)
	}
	if addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return fmt.Errorf("%w: address %s not routable", ErrInvalidURL, host)
	}

	return nil
}
