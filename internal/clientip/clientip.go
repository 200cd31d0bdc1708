// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package clientip resolves the client address behind trusted reverse proxies.
package clientip

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// ForwardedForHeader carries the chain of forwarded client addresses.
const ForwardedForHeader = "X-Forwarded-For"

// DefaultTrustedHops is the number of reverse proxies in front of the service.
const DefaultTrustedHops = 1

// Extractor resolves the authoritative client address.
//
// Each trusted proxy appends the address it received the request from to the
// end of the forwarded chain. With TrustedHops proxies, the entry at position
// TrustedHops from the end was written by the outermost trusted proxy and is
// authoritative. Every earlier entry is client supplied and ignored.
// TrustedHops of zero means no proxy: the socket peer is the client.
type Extractor struct {
	TrustedHops int
}

// New creates an Extractor. Negative hop counts are treated as zero.
func New(trustedHops int) Extractor {
	if trustedHops < 0 {
		trustedHops = 0
	}
	return Extractor{TrustedHops: trustedHops}
}

// Extract returns the client address from the forwarded header lines and the
// socket peer address.
func (e Extractor) Extract(forwardedFor []string, remoteAddr string) (netip.Addr, error) {
	if e.TrustedHops == 0 {
		return parseRemote(remoteAddr)
	}

	var hops []string
	for _, line := range forwardedFor {
		for _, part := range strings.Split(line, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}

	if len(hops) == 0 {
		return parseRemote(remoteAddr)
	}
	if len(hops) < e.TrustedHops {
		// Fewer entries than proxies: the request bypassed part of the chain.
		return netip.Addr{}, errNoAddress("forwarded chain shorter than trusted hops", strings.Join(hops, ","))
	}

	candidate := hops[len(hops)-e.TrustedHops]
	addr, err := parseAddr(candidate)
	if err != nil {
		return netip.Addr{}, errNoAddress("authoritative forwarded entry is not an address", candidate)
	}
	return addr, nil
}

// FromRequest extracts the client address of r.
func (e Extractor) FromRequest(r *http.Request) (netip.Addr, error) {
	return e.Extract(r.Header.Values(ForwardedForHeader), r.RemoteAddr)
}

func parseRemote(remoteAddr string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := parseAddr(remoteAddr)
	if err != nil {
		return netip.Addr{}, errNoAddress("remote address is not an address", remoteAddr)
	}
	return addr, nil
}

// parseAddr accepts bare addresses as well as host:port and [v6]:port forms
// that some proxies emit.
func parseAddr(s string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func errNoAddress(reason, value string) error {
	return oops.Code(auth.CodeClientIPUnavailable).
		With("reason", reason).
		With("value", value).
		Errorf("No IP address found.")
}

type contextKey struct{}

// WithAddr returns a context carrying the client address.
func WithAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, contextKey{}, addr)
}

// FromContext returns the client address stored by WithAddr.
func FromContext(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(contextKey{}).(netip.Addr)
	return addr, ok
}
