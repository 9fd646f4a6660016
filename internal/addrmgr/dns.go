package addrmgr

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/miekg/dns"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

// SeedConfig names one DNS seed and the service bits it is filtered for:
// each configured seed gets a separate lookup for the subdomain
// synthesized from the advertised services.
type SeedConfig struct {
	Host     string
	Services p2p.ServiceFlag
}

// subdomain synthesizes the service-filtered seed name:
// x1000000.<seed> for Utreexo, x49.<seed> for compact filters, x9.<seed>
// for witness, or the bare seed when no filter applies.
func subdomain(s SeedConfig) string {
	switch {
	case s.Services.Has(p2p.SFNodeUtreexo):
		return "x1000000." + s.Host
	case s.Services.Has(p2p.SFNodeCompactFilters):
		return "x49." + s.Host
	case s.Services.Has(p2p.SFNodeWitness):
		return "x9." + s.Host
	default:
		return s.Host
	}
}

// Resolver performs DNS-seed discovery, optionally tunneling every query
// through a SOCKS5 proxy as DNS-over-HTTPS to dns.google:
// when a proxy is configured the system resolver is bypassed entirely so
// the proxy only ever sees the TLS handshake to dns.google, never a plain
// DNS query leaking the seed being asked about.
type Resolver struct {
	ProxyAddr string
}

// Discover resolves every configured seed and returns the implied
// LocalAddress candidates, stamped with the services the subdomain
// implied.
func (r *Resolver) Discover(ctx context.Context, seeds []SeedConfig, defaultPort uint16) ([]*LocalAddress, error) {
	var out []*LocalAddress
	for _, seed := range seeds {
		host := subdomain(seed)

		var ips []net.IP
		var err error
		if r.ProxyAddr != "" {
			ips, err = r.lookupDoH(ctx, host)
		} else {
			ips, err = net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
		if err != nil {
			continue
		}

		for _, ip := range ips {
			addr := &LocalAddress{
				Family:   FamilyIPv4,
				Bytes:    append([]byte(nil), ip.To4()...),
				Port:     defaultPort,
				Services: seed.Services,
				State:    NeverTried(),
			}
			if ip.To4() == nil {
				addr.Family = FamilyIPv6
				addr.Bytes = append([]byte(nil), ip.To16()...)
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// lookupDoH issues A then AAAA queries to dns.google over HTTPS, dialed
// through the configured SOCKS5 proxy.
func (r *Resolver) lookupDoH(ctx context.Context, host string) ([]net.IP, error) {
	dialer := &socks.Proxy{Addr: r.ProxyAddr}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	client := &http.Client{Transport: transport, Timeout: 15 * time.Second}

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		packed, err := msg.Pack()
		if err != nil {
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://dns.google/dns-query", nil)
		if err != nil {
			continue
		}
		q := req.URL.Query()
		q.Set("dns", base64.RawURLEncoding.EncodeToString(packed))
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "application/dns-message")

		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		var answer dns.Msg
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if err := answer.Unpack(body); err != nil {
			continue
		}
		for _, rr := range answer.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no DoH answers for %s", host)
	}
	return ips, nil
}

