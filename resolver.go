// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqttwss

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Resolver turns a hostname into a connectable address. The default
// implementation is address-family agnostic (tries both A and AAAA
// records), unlike the legacy IPv4-only gethostbyname lookup the
// original engine performed.
type Resolver interface {
	ResolveHost(ctx context.Context, host string) (netip.Addr, error)
}

type defaultResolver struct{}

func (defaultResolver) ResolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s: no addresses returned", ErrResolve, host)
	}
	// Prefer an IPv6 address if one was returned alongside IPv4, since
	// callers on dual-stack networks usually get better routing; fall
	// back to the first answer otherwise.
	for _, ip := range ips {
		if ip.Is6() && !ip.Is4In6() {
			return ip, nil
		}
	}
	return ips[0], nil
}
