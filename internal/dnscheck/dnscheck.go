// Package dnscheck verifies the DNS records a sending domain needs before
// the smtp channel signs mail for it.
package dnscheck

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/foxzi/cadence/internal/dkim"
)

// Status of a single check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// TXTResolver looks up TXT records. *net.Resolver implements it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report contains the results for one domain
type Report struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
}

// OK reports whether no check failed. Warnings do not count as failures.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Status == StatusError || res.Status == StatusNotFound {
			return false
		}
	}
	return true
}

var (
	domainPattern   = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	selectorPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Checker runs the checks against a resolver
type Checker struct {
	resolver TXTResolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver TXTResolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckSender checks SPF, DKIM and DMARC for domain. When key is set the
// published DKIM key must match its public half.
func (c *Checker) CheckSender(ctx context.Context, domain, selector string, key *rsa.PrivateKey) (*Report, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if !domainPattern.MatchString(domain) {
		return nil, fmt.Errorf("invalid domain: %q", domain)
	}
	if !selectorPattern.MatchString(selector) {
		return nil, fmt.Errorf("invalid DKIM selector: %q", selector)
	}

	return &Report{
		Domain: domain,
		Results: []CheckResult{
			c.CheckSPF(ctx, domain),
			c.CheckDKIM(ctx, domain, selector, key),
			c.CheckDMARC(ctx, domain),
		},
	}, nil
}

// CheckSPF looks for a v=spf1 record on domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	res := CheckResult{Type: "SPF", Name: domain}

	records, ok := c.lookup(ctx, &res)
	if !ok {
		return res
	}
	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		res.Status = StatusOK
		res.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			res.Status = StatusWarning
			res.Message = "SPF uses +all and allows any sender"
		case strings.Contains(txt, "-all"):
			res.Message = "strict policy (-all)"
		case strings.Contains(txt, "~all"):
			res.Message = "soft fail (~all)"
		}
		return res
	}

	res.Status = StatusNotFound
	res.Message = "no SPF record"
	return res
}

// CheckDKIM looks up selector._domainkey.domain
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector string, key *rsa.PrivateKey) CheckResult {
	res := CheckResult{Type: "DKIM", Name: dkim.RecordName(selector, domain)}

	records, ok := c.lookup(ctx, &res)
	if !ok {
		return res
	}

	// Long keys are split over several strings
	record := strings.Join(records, "")
	res.Value = truncate(record, 100)

	tags := parseTags(record)
	if tags["v"] != "DKIM1" {
		res.Status = StatusWarning
		res.Message = "TXT record is not a DKIM1 record"
		return res
	}
	if tags["p"] == "" {
		res.Status = StatusError
		res.Message = "public key (p=) is empty or revoked"
		return res
	}

	res.Status = StatusOK
	if key == nil {
		return res
	}

	want, err := dkim.TXTRecord(key)
	if err != nil {
		res.Status = StatusError
		res.Message = err.Error()
		return res
	}
	if parseTags(want)["p"] != tags["p"] {
		res.Status = StatusError
		res.Message = "published key does not match the configured private key"
		return res
	}
	res.Message = "published key matches the configured private key"
	return res
}

// CheckDMARC looks for a v=DMARC1 record on _dmarc.domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	res := CheckResult{Type: "DMARC", Name: "_dmarc." + domain}

	records, ok := c.lookup(ctx, &res)
	if !ok {
		return res
	}
	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=DMARC1") {
			continue
		}
		res.Status = StatusOK
		res.Value = txt
		if p := parseTags(txt)["p"]; p == "none" {
			res.Status = StatusWarning
			res.Message = "policy is none (monitoring only)"
		} else if p != "" {
			res.Message = "policy is " + p
		}
		return res
	}

	res.Status = StatusNotFound
	res.Message = "no DMARC record"
	return res
}

// lookup resolves res.Name, filling in res on failure
func (c *Checker) lookup(ctx context.Context, res *CheckResult) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, res.Name)
	if err == nil {
		return records, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		res.Status = StatusNotFound
		res.Message = "no TXT record at " + res.Name
		return nil, false
	}
	res.Status = StatusError
	res.Message = fmt.Sprintf("lookup failed: %v", err)
	return nil, false
}

// parseTags splits "k=v; k2=v2" tag lists. Whitespace inside values is removed.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
