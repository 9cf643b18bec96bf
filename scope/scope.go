// Package scope implements whitelist/blacklist matching of event hosts
// against the scan's target definition.
package scope

import (
	"fmt"
	"net/netip"
	"strings"
)

// Group is a set of scope entries: hostnames (matching themselves and all
// subdomains), IP addresses, and CIDR ranges.
type Group struct {
	hosts    map[string]struct{}
	prefixes []netip.Prefix
}

// NewGroup parses scope entries. Entries may be hostnames, IP addresses,
// or CIDR ranges.
func NewGroup(entries []string) (*Group, error) {
	g := &Group{hosts: make(map[string]struct{})}
	for _, raw := range entries {
		entry := strings.ToLower(strings.TrimSpace(raw))
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			g.prefixes = append(g.prefixes, prefix)
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			g.prefixes = append(g.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		if strings.ContainsAny(entry, " /:") {
			return nil, fmt.Errorf("invalid scope entry %q", raw)
		}
		g.hosts[entry] = struct{}{}
	}
	return g, nil
}

// Empty reports whether the group has no entries.
func (g *Group) Empty() bool {
	return len(g.hosts) == 0 && len(g.prefixes) == 0
}

// Matches reports whether the host falls inside the group: an exact
// hostname, a subdomain of a group hostname, or an address inside a group
// prefix.
func (g *Group) Matches(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		for _, prefix := range g.prefixes {
			if prefix.Contains(addr) {
				return true
			}
		}
		return false
	}

	// Walk up the domain: a.b.example.com matches example.com.
	for candidate := host; candidate != ""; {
		if _, ok := g.hosts[candidate]; ok {
			return true
		}
		i := strings.Index(candidate, ".")
		if i < 0 {
			break
		}
		candidate = candidate[i+1:]
	}
	return false
}

// Add inserts a single entry into the group.
func (g *Group) Add(entry string) error {
	parsed, err := NewGroup([]string{entry})
	if err != nil {
		return err
	}
	for h := range parsed.hosts {
		g.hosts[h] = struct{}{}
	}
	g.prefixes = append(g.prefixes, parsed.prefixes...)
	return nil
}

// Scope combines the scan's whitelist and blacklist.
type Scope struct {
	whitelist *Group
	blacklist *Group
}

// New builds a scope from whitelist and blacklist entries. An empty
// whitelist means nothing is whitelisted beyond what the caller seeds.
func New(whitelist, blacklist []string) (*Scope, error) {
	wl, err := NewGroup(whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	bl, err := NewGroup(blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return &Scope{whitelist: wl, blacklist: bl}, nil
}

// Whitelisted reports whether the host matches the scan target.
func (s *Scope) Whitelisted(host string) bool {
	return s.whitelist.Matches(host)
}

// Blacklisted reports whether the host is excluded from the scan.
func (s *Scope) Blacklisted(host string) bool {
	return s.blacklist.Matches(host)
}

// Whitelist returns the underlying whitelist group.
func (s *Scope) Whitelist() *Group { return s.whitelist }

// Blacklist returns the underlying blacklist group.
func (s *Scope) Blacklist() *Group { return s.blacklist }
