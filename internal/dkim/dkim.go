// Package dkim handles DKIM key generation, signing and verification.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders is the fixed header set covered by outbound signatures.
var signedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
	"Message-ID",
	"Content-Type",
}

// Signer signs outbound messages for one domain.
type Signer struct {
	domain     string
	selector   string
	privateKey *rsa.PrivateKey
}

// NewSigner creates a Signer from a PEM-encoded RSA private key (PKCS#8 or
// PKCS#1).
func NewSigner(domain, selector, privateKeyPEM string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Signer{domain: domain, selector: selector, privateKey: key}, nil
}

// ParsePrivateKey decodes a PEM RSA private key in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// Sign writes the message with a prepended DKIM-Signature header to w. The
// signature uses relaxed/relaxed canonicalization and rsa-sha256 over the
// fixed header set.
func (s *Signer) Sign(w io.Writer, r io.Reader) error {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}
	return dkim.Sign(w, r, options)
}

// SignBytes signs raw message bytes and returns the signed message.
func (s *Signer) SignBytes(raw []byte) ([]byte, error) {
	var signed bytes.Buffer
	if err := s.Sign(&signed, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}

// Verify checks every DKIM signature on a raw message. It returns "pass"
// when at least one signature validates, "fail" when signatures exist but
// none validate, and "none" when the message is unsigned. The lookupTXT
// hook lets callers route key retrieval through the shared resolver; pass
// nil for direct DNS.
func Verify(raw []byte, lookupTXT func(domain string) ([]string, error)) (string, error) {
	var (
		verifications []*dkim.Verification
		err           error
	)
	if lookupTXT != nil {
		verifications, err = dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
			LookupTXT: lookupTXT,
		})
	} else {
		verifications, err = dkim.Verify(bytes.NewReader(raw))
	}
	if err != nil {
		return "temperror", err
	}
	if len(verifications) == 0 {
		return "none", nil
	}

	var lastErr error
	for _, v := range verifications {
		if v.Err == nil {
			return "pass", nil
		}
		lastErr = v.Err
	}
	return "fail", lastErr
}

// GenerateKey creates an RSA-2048 keypair and returns the private key as
// PKCS#8 PEM and the public key as a DNS-ready TXT value.
func GenerateKey() (privatePEM, publicDNS string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}))

	publicDNS, err = FormatPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	return privatePEM, publicDNS, nil
}

// FormatPublicKey formats an RSA public key as the DNS TXT record value
// "v=DKIM1; k=rsa; p=<base64 SPKI>".
func FormatPublicKey(key *rsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: spki,
	})

	keyData := string(pemData)
	keyData = strings.ReplaceAll(keyData, "-----BEGIN PUBLIC KEY-----", "")
	keyData = strings.ReplaceAll(keyData, "-----END PUBLIC KEY-----", "")
	keyData = strings.ReplaceAll(keyData, "\n", "")

	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", keyData), nil
}

// RecordName returns the DNS name the public key should be published at.
func RecordName(selector, domain string) string {
	return fmt.Sprintf("%s._domainkey.%s", selector, domain)
}
