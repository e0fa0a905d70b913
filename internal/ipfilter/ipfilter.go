// Package ipfilter restricts HTTP endpoints to allowed client networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks client addresses against allowed prefixes
type Filter struct {
	allowed []netip.Prefix
	logger  *slog.Logger
	name    string
}

// New creates a filter from single addresses or CIDR prefixes. An empty list
// allows every client. Invalid entries are logged and skipped.
func New(name string, allowedIPs []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger, name: name}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := ParsePrefix(entry)
		if err != nil {
			logger.Warn("invalid entry in allowed_ips", "filter", name, "entry", entry, "error", err)
			continue
		}
		f.allowed = append(f.allowed, p)
	}

	if len(f.allowed) > 0 {
		logger.Info("IP filtering enabled", "filter", name, "allowed_networks", len(f.allowed))
	}
	return f
}

// ParsePrefix parses "10.0.0.0/8" or a single address, which becomes a
// host-length prefix
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

// IsAllowed reports whether addr is in an allowed network. An empty filter
// allows everything.
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if len(f.allowed) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the connection address of r. Forwarded headers are not
// trusted.
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// HTTPMiddleware rejects requests from clients outside the allowed networks
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "filter", f.name, "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !f.IsAllowed(addr) {
			f.logger.Warn("access denied by IP filter", "filter", f.name, "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
