// Package dnsx provides the mail-related DNS lookups: MX resolution with
// caching, SPF evaluation, DMARC policy discovery, DKIM key retrieval,
// reverse DNS and DNSBL checks.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dmarc"

	"github.com/courier-mta/courierd/internal/logging"
)

// Common errors
var (
	ErrNoMXRecords   = errors.New("no MX records found")
	ErrInvalidDomain = errors.New("invalid domain")
)

const (
	queryTimeout   = 5 * time.Second
	overallTimeout = 10 * time.Second
	cacheTTL       = 5 * time.Minute
)

// MXRecord is one mail exchanger with its resolved addresses, ordered by
// preference.
type MXRecord struct {
	Priority uint16
	Hostname string
	IPs      []string
}

// SPFResult is the outcome of an SPF evaluation.
type SPFResult struct {
	Result      string // pass, fail, softfail, neutral, none, permerror, temperror
	Explanation string
}

// DMARCPolicy is a parsed DMARC record.
type DMARCPolicy struct {
	Policy          string // none, quarantine, reject
	SubdomainPolicy string
	RUA             []string
	RUF             []string
	Percent         int
}

// Resolver performs DNS lookups with a per-process cache.
type Resolver struct {
	resolver *net.Resolver
	logger   *logging.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// New creates a Resolver.
func New(logger *logging.Logger) *Resolver {
	return &Resolver{
		resolver: &net.Resolver{PreferGo: true},
		logger:   logger.DNS(),
		cache:    make(map[string]cacheEntry),
	}
}

func (r *Resolver) cached(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(r.cache, key)
		return nil, false
	}
	return e.value, true
}

func (r *Resolver) store(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(cacheTTL)}
}

// ClearCache drops every cached entry.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// MX returns the MX records for a domain sorted ascending by preference,
// each with its A/AAAA addresses resolved. Hosts with no addresses are
// dropped. If the domain has no MX records, the domain's own addresses are
// returned at priority 10 (RFC 5321 fallback).
func (r *Resolver) MX(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidDomain
	}

	cacheKey := "mx:" + domain
	if v, ok := r.cached(cacheKey); ok {
		return v.([]MXRecord), nil
	}

	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	mxs, err := r.lookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return r.aFallback(ctx, domain, cacheKey)
		}
		return nil, fmt.Errorf("MX lookup for %s failed: %w", domain, err)
	}
	if len(mxs) == 0 {
		return r.aFallback(ctx, domain, cacheKey)
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })

	var records []MXRecord
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		ips := r.hostAddrs(ctx, host)
		if len(ips) == 0 {
			continue
		}
		records = append(records, MXRecord{
			Priority: mx.Pref,
			Hostname: host,
			IPs:      ips,
		})
	}
	if len(records) == 0 {
		return nil, ErrNoMXRecords
	}

	r.store(cacheKey, records)
	return records, nil
}

func (r *Resolver) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.resolver.LookupMX(qctx, domain)
}

func (r *Resolver) aFallback(ctx context.Context, domain, cacheKey string) ([]MXRecord, error) {
	ips := r.hostAddrs(ctx, domain)
	if len(ips) == 0 {
		return nil, ErrNoMXRecords
	}
	records := []MXRecord{{Priority: 10, Hostname: domain, IPs: ips}}
	r.store(cacheKey, records)
	return records, nil
}

// hostAddrs resolves A and AAAA records, IPv4 first.
func (r *Resolver) hostAddrs(ctx context.Context, host string) []string {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	addrs, err := r.resolver.LookupHost(qctx, host)
	if err != nil {
		return nil
	}

	var v4, v6 []string
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}
	return append(v4, v6...)
}

// SPF evaluates the sender's SPF policy for the connecting IP.
func (r *Resolver) SPF(ctx context.Context, ip, sender, helo string) SPFResult {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return SPFResult{Result: "none", Explanation: "invalid connecting IP"}
	}
	if sender == "" {
		return SPFResult{Result: "none", Explanation: "empty sender"}
	}

	result, err := spf.CheckHostWithSender(parsed, helo, sender)

	out := SPFResult{Result: string(result)}
	if err != nil {
		out.Explanation = err.Error()
		r.logger.DebugContext(ctx, "SPF evaluation error",
			"sender", sender, "ip", ip, "error", err.Error())
	}
	return out
}

// DMARC returns the DMARC policy for a domain, falling back to the
// organizational domain (last two labels) when the exact domain publishes
// none.
func (r *Resolver) DMARC(ctx context.Context, domain string) (*DMARCPolicy, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidDomain
	}

	cacheKey := "dmarc:" + domain
	if v, ok := r.cached(cacheKey); ok {
		if v == nil {
			return nil, nil
		}
		return v.(*DMARCPolicy), nil
	}

	policy := r.lookupDMARC(ctx, domain)
	if policy == nil {
		if org := organizationalDomain(domain); org != domain {
			policy = r.lookupDMARC(ctx, org)
		}
	}

	if policy == nil {
		r.store(cacheKey, nil)
		return nil, nil
	}
	r.store(cacheKey, policy)
	return policy, nil
}

func (r *Resolver) lookupDMARC(ctx context.Context, domain string) *DMARCPolicy {
	rec, err := dmarc.LookupWithOptions(domain, &dmarc.LookupOptions{
		LookupTXT: func(name string) ([]string, error) {
			return r.TXT(ctx, name)
		},
	})
	if err != nil {
		return nil
	}

	policy := &DMARCPolicy{
		Policy:          string(rec.Policy),
		SubdomainPolicy: string(rec.SubdomainPolicy),
		RUA:             rec.ReportURIAggregate,
		RUF:             rec.ReportURIFailure,
		Percent:         100,
	}
	if rec.Percent != nil {
		policy.Percent = *rec.Percent
	}
	return policy
}

// organizationalDomain reduces a domain to its last two labels.
func organizationalDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return domain
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// TXT returns the TXT records for a name.
func (r *Resolver) TXT(ctx context.Context, name string) ([]string, error) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.resolver.LookupTXT(qctx, name)
}

var dkimKeyPattern = regexp.MustCompile(`p=([^;\s]+)`)

// DKIMPublicKey returns the p= value of the selector's DKIM record, or ""
// when the record is absent.
func (r *Resolver) DKIMPublicKey(ctx context.Context, selector, domain string) (string, error) {
	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)

	cacheKey := "dkim:" + name
	if v, ok := r.cached(cacheKey); ok {
		return v.(string), nil
	}

	records, err := r.TXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", nil
		}
		return "", fmt.Errorf("DKIM key lookup for %s failed: %w", name, err)
	}

	for _, record := range records {
		if m := dkimKeyPattern.FindStringSubmatch(record); m != nil {
			r.store(cacheKey, m[1])
			return m[1], nil
		}
	}
	return "", nil
}

// Reverse returns the PTR hostname for an IPv4 address, or "" when none
// exists.
func (r *Resolver) Reverse(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", nil
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(qctx, ip)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", nil
		}
		return "", fmt.Errorf("PTR lookup for %s failed: %w", ip, err)
	}
	if len(names) == 0 {
		return "", nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// Blacklists checks an IPv4 address against the given DNSBL zones. A
// present A record means listed; NXDOMAIN means not listed.
func (r *Resolver) Blacklists(ctx context.Context, ip string, servers []string) map[string]bool {
	results := make(map[string]bool)

	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return results
	}

	parts := strings.Split(parsed.To4().String(), ".")
	reversed := parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0]

	for _, server := range servers {
		query := reversed + "." + server

		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		_, err := r.resolver.LookupHost(qctx, query)
		cancel()

		if err == nil {
			results[server] = true
			r.logger.WarnContext(ctx, "IP listed on DNSBL", "ip", ip, "server", server)
			continue
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			results[server] = false
		}
		// Other errors leave the server out of the result map.
	}
	return results
}

// VerifySenderDomain reports whether the sender's domain resolves to at
// least one deliverable host.
func (r *Resolver) VerifySenderDomain(ctx context.Context, sender string) bool {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	records, err := r.MX(ctx, sender[at+1:])
	return err == nil && len(records) > 0
}
