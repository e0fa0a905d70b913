// Package dkim signs outgoing campaign mail and manages the RSA keys used
// for it.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// DefaultHeaderKeys are signed when Options.HeaderKeys is empty
var DefaultHeaderKeys = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Options configures a Signer
type Options struct {
	Domain     string
	Selector   string
	KeyFile    string
	HeaderKeys []string
}

// Signer signs RFC 5322 messages for one domain
type Signer struct {
	key        *rsa.PrivateKey
	domain     string
	selector   string
	headerKeys []string
}

// NewSigner creates a signer from an already loaded key
func NewSigner(key *rsa.PrivateKey, opts Options) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("dkim: private key is required")
	}
	if opts.Domain == "" || opts.Selector == "" {
		return nil, fmt.Errorf("dkim: domain and selector are required")
	}

	headerKeys := opts.HeaderKeys
	if len(headerKeys) == 0 {
		headerKeys = DefaultHeaderKeys
	}

	return &Signer{
		key:        key,
		domain:     strings.ToLower(opts.Domain),
		selector:   opts.Selector,
		headerKeys: headerKeys,
	}, nil
}

// Load reads opts.KeyFile and creates a signer
func Load(opts Options) (*Signer, error) {
	key, err := LoadPrivateKey(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, opts)
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             s.headerKeys,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Covers reports whether the signer's domain matches the sender address
func (s *Signer) Covers(from string) bool {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(from[at+1:], ">"), s.domain)
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}
