package dnscheck

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/foxzi/cadence/internal/dkim"
)

type fakeResolver struct {
	records map[string][]string
	fail    map[string]error
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if err, ok := f.fail[name]; ok {
		return nil, err
	}
	recs, ok := f.records[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return recs, nil
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestCheckSender(t *testing.T) {
	key := testKey(t)
	record, err := dkim.TXTRecord(key)
	if err != nil {
		t.Fatalf("TXTRecord: %v", err)
	}
	// Split the record the way DNS servers return long TXT values
	half := len(record) / 2

	r := &fakeResolver{records: map[string][]string{
		"example.com":                    {"google-site-verification=abc", "v=spf1 include:_spf.example.net -all"},
		"cadence._domainkey.example.com": {record[:half], record[half:]},
		"_dmarc.example.com":             {"v=DMARC1; p=reject; rua=mailto:d@example.com"},
	}}

	report, err := New(r).CheckSender(context.Background(), "Example.com.", "cadence", key)
	if err != nil {
		t.Fatalf("CheckSender: %v", err)
	}
	if report.Domain != "example.com" {
		t.Errorf("domain = %s", report.Domain)
	}
	if !report.OK() {
		t.Errorf("report not OK: %+v", report.Results)
	}
	for _, res := range report.Results {
		if res.Status != StatusOK {
			t.Errorf("%s: status = %s (%s)", res.Type, res.Status, res.Message)
		}
	}
}

func TestCheckDKIM(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	record, _ := dkim.TXTRecord(key)
	otherRecord, _ := dkim.TXTRecord(other)
	name := "s1._domainkey.example.com"

	tests := []struct {
		name    string
		records map[string][]string
		fail    map[string]error
		key     *rsa.PrivateKey
		want    Status
	}{
		{"matches", map[string][]string{name: {record}}, nil, key, StatusOK},
		{"no key to compare", map[string][]string{name: {otherRecord}}, nil, nil, StatusOK},
		{"mismatch", map[string][]string{name: {otherRecord}}, nil, key, StatusError},
		{"revoked", map[string][]string{name: {"v=DKIM1; k=rsa; p="}}, nil, key, StatusError},
		{"not dkim", map[string][]string{name: {"hello"}}, nil, key, StatusWarning},
		{"missing", nil, nil, key, StatusNotFound},
		{"lookup error", nil, map[string]error{name: errors.New("timeout")}, key, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeResolver{records: tt.records, fail: tt.fail})
			res := c.CheckDKIM(context.Background(), "example.com", "s1", tt.key)
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s (%s)", res.Status, tt.want, res.Message)
			}
		})
	}
}

func TestCheckSPFAndDMARC(t *testing.T) {
	r := &fakeResolver{records: map[string][]string{
		"open.example":         {"v=spf1 +all"},
		"_dmarc.open.example":  {"v=DMARC1; p=none"},
		"plain.example":        {"some other record"},
		"_dmarc.plain.example": {"v=DMARC1; p=quarantine"},
	}}
	c := New(r)
	ctx := context.Background()

	if got := c.CheckSPF(ctx, "open.example"); got.Status != StatusWarning {
		t.Errorf("SPF +all = %s, want warning", got.Status)
	}
	if got := c.CheckSPF(ctx, "plain.example"); got.Status != StatusNotFound {
		t.Errorf("SPF absent = %s, want not_found", got.Status)
	}
	if got := c.CheckDMARC(ctx, "open.example"); got.Status != StatusWarning {
		t.Errorf("DMARC p=none = %s, want warning", got.Status)
	}
	got := c.CheckDMARC(ctx, "plain.example")
	if got.Status != StatusOK || !strings.Contains(got.Message, "quarantine") {
		t.Errorf("DMARC quarantine = %+v", got)
	}
}

func TestCheckSenderValidation(t *testing.T) {
	c := New(&fakeResolver{})
	ctx := context.Background()

	if _, err := c.CheckSender(ctx, "not a domain", "s1", nil); err == nil {
		t.Error("expected error for invalid domain")
	}
	if _, err := c.CheckSender(ctx, "example.com", "bad_selector!", nil); err == nil {
		t.Error("expected error for invalid selector")
	}

	report, err := c.CheckSender(ctx, "example.com", "s1", nil)
	if err != nil {
		t.Fatalf("CheckSender: %v", err)
	}
	if report.OK() {
		t.Error("report with missing records should not be OK")
	}
}
