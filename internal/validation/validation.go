// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidAddress is returned when an email address is malformed
	ErrInvalidAddress = errors.New("invalid email address")
	// ErrInvalidLocalPart is returned when the local part is invalid
	ErrInvalidLocalPart = errors.New("invalid local part: must be 1-64 characters")
	// ErrInvalidDomain is returned when a domain name is invalid
	ErrInvalidDomain = errors.New("invalid domain: must be valid domain name")
)

const (
	maxLocalPartLength = 64
	maxDomainLength    = 253
)

var (
	// RFC 5321 local-part, simplified for common use cases. Allows
	// alphanumeric, dot, hyphen, underscore, plus; no leading/trailing or
	// consecutive dots.
	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// RFC 1035 domain name labels: 1-63 chars, alphanumeric and hyphen,
	// not starting/ending with hyphen.
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// LocalPart checks if an email local part is valid.
func LocalPart(local string) error {
	local = strings.TrimSpace(local)
	if len(local) < 1 || len(local) > maxLocalPartLength {
		return ErrInvalidLocalPart
	}
	if !localPartPattern.MatchString(local) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(local, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// Domain checks if a domain name is valid according to RFC 1035.
func Domain(domain string) error {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidDomain
	}
	if !domainPattern.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// SplitAddress splits an email address into local part and domain,
// stripping optional angle brackets and lowercasing both parts.
func SplitAddress(addr string) (local, domain string, err error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	addr = strings.ToLower(addr)

	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidAddress
	}
	if err := LocalPart(parts[0]); err != nil {
		return "", "", err
	}
	if err := Domain(parts[1]); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// AddressDomain returns the lowercased domain of an address, or "" if the
// address has none.
func AddressDomain(addr string) string {
	addr = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(addr), ">"), "<")
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}
