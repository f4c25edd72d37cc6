package ipresolve

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultTrustedCIDRs is the embedded edge-provider table used when no
// override file is supplied. Kept as data so the trust boundary stays
// auditable and updatable apart from the resolution algorithm.
var defaultTrustedCIDRs = []string{
	// platform edge fleet
	"76.76.19.0/24",
	"76.76.21.0/24",
	"64.252.64.0/18",
	// CDN fronting ranges
	"103.21.244.0/22",
	"103.22.200.0/22",
	"108.162.192.0/18",
	"131.0.72.0/22",
	"141.101.64.0/18",
	"162.158.0.0/15",
	"172.64.0.0/13",
	"173.245.48.0/20",
	"188.114.96.0/20",
	"190.93.240.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2a06:98c0::/29",
}

// TrustTable answers whether an address belongs to any published
// trusted-proxy range. Membership is CIDR containment with matching
// address family.
type TrustTable struct {
	prefixes []netip.Prefix
}

// NewTrustTable parses the given CIDR list. An empty list falls back to
// the embedded defaults.
func NewTrustTable(cidrs []string) (*TrustTable, error) {
	if len(cidrs) == 0 {
		cidrs = defaultTrustedCIDRs
	}
	t := &TrustTable{prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted CIDR %q: %w", c, err)
		}
		t.prefixes = append(t.prefixes, p.Masked())
	}
	return t, nil
}

// trustFile is the YAML shape of an override table.
type trustFile struct {
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LoadTrustTable reads a YAML override file; an empty path yields the
// embedded defaults.
func LoadTrustTable(path string) (*TrustTable, error) {
	if path == "" {
		return NewTrustTable(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trusted proxy table: %w", err)
	}
	var f trustFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing trusted proxy table: %w", err)
	}
	return NewTrustTable(f.TrustedProxies)
}

// Contains reports whether addr falls inside any trusted range. The
// address is unmapped first so IPv4 arriving as ::ffff:a.b.c.d matches
// IPv4 prefixes.
func (t *TrustTable) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Addr().Is4() != addr.Is4() {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
