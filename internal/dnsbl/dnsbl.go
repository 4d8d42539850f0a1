// Package dnsbl performs DNS blacklist lookups used as an optional extra
// admission predicate (network.dnsbl_enabled) on top of the allowed-IP
// regex check in §4.1 of the relay spec.
package dnsbl

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// Result holds the outcome of a single RBL lookup for one address.
type Result struct {
	Blacklist string
	Address   string
	Listed    bool
	Text      string
	Err       error
}

// ResultList aggregates Results for every configured blacklist.
type ResultList struct {
	Listed  bool
	Results []Result
}

// reverse builds the DNSBL query hostname for an IP:
// 127.0.0.1 -> 1.0.0.127, and the nibble-reversed form for IPv6.
func reverse(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		return strings.Join(parts, ".")
	}

	expanded := expandIPv6(ip)
	hexOnly := strings.ReplaceAll(expanded, ":", "")
	chars := []rune(hexOnly)
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	out := make([]string, 0, len(chars))
	for _, c := range chars {
		out = append(out, string(c))
	}
	return strings.Join(out, ".")
}

func expandIPv6(ip net.IP) string {
	dst := make([]byte, hex.EncodedLen(len(ip)))
	hex.Encode(dst, ip.To16())
	return string(dst[0:4]) + ":" + string(dst[4:8]) + ":" + string(dst[8:12]) + ":" +
		string(dst[12:16]) + ":" + string(dst[16:20]) + ":" + string(dst[20:24]) + ":" +
		string(dst[24:28]) + ":" + string(dst[28:])
}

func queryOne(ctx context.Context, resolver *net.Resolver, zone, reversed string) Result {
	r := Result{Blacklist: zone}
	lookup := fmt.Sprintf("%s.%s", reversed, zone)

	addrs, err := resolver.LookupHost(ctx, lookup)
	if len(addrs) > 0 {
		r.Listed = true
		if txt, terr := resolver.LookupTXT(ctx, lookup); terr == nil && len(txt) > 0 {
			r.Text = txt[0]
		}
	}
	if err != nil {
		r.Err = err
	}
	return r
}

// Lookup queries every zone in dnsblZones for ip and aggregates the result.
func Lookup(ctx context.Context, dnsblZones []string, ip net.IP) ResultList {
	var out ResultList
	reversed := reverse(ip)

	resolver := net.DefaultResolver
	for _, zone := range dnsblZones {
		res := queryOne(ctx, resolver, zone, reversed)
		res.Address = ip.String()
		out.Results = append(out.Results, res)
		if res.Listed {
			out.Listed = true
		}
	}
	return out
}

// IsBlocked is the admission-policy entry point: true if ip is listed on any
// of zones. DNS errors never block admission — only a positive listing does.
func IsBlocked(ctx context.Context, zones []string, ip net.IP) bool {
	if len(zones) == 0 {
		return false
	}
	return Lookup(ctx, zones, ip).Listed
}
