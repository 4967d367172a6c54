package activitypub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/federate/util"
)

var (
	ErrFederationDisabled = errors.New("federation is disabled")
	ErrDestinationBlocked = errors.New("domain is not allowed to federate")
)

// Policy decides which remote domains may be contacted or heard from. It is
// immutable once built and safe for concurrent use.
type Policy struct {
	enabled bool
	local   string
	allowed map[string]struct{}
	blocked map[string]struct{}
}

// NewPolicy builds a policy from an allow list or a block list. Setting
// both is a configuration error. The local domain is always allowed.
func NewPolicy(enabled bool, localDomain string, allowed, blocked []string) (*Policy, error) {
	if len(allowed) > 0 && len(blocked) > 0 {
		return nil, errors.New("cannot have both allowed and blocked instances")
	}
	return &Policy{
		enabled: enabled,
		local:   normalizeDomain(localDomain),
		allowed: domainSet(allowed),
		blocked: domainSet(blocked),
	}, nil
}

func PolicyFromConfig(conf *util.AppConfig) (*Policy, error) {
	f := conf.Conf.Federation
	return NewPolicy(conf.Conf.WithAp, conf.Conf.SslDomain, f.AllowedInstances, f.BlockedInstances)
}

// Enabled reports whether federation is switched on
func (p *Policy) Enabled() bool {
	return p.enabled
}

// AllowDomain returns nil when domain may be contacted, otherwise
// ErrFederationDisabled or an error wrapping ErrDestinationBlocked.
func (p *Policy) AllowDomain(domain string) error {
	domain = normalizeDomain(domain)
	if domain == p.local {
		return nil
	}
	if !p.enabled {
		return ErrFederationDisabled
	}
	if _, ok := p.blocked[domain]; ok {
		return fmt.Errorf("%s: %w", domain, ErrDestinationBlocked)
	}
	if len(p.allowed) > 0 {
		if _, ok := p.allowed[domain]; !ok {
			return fmt.Errorf("%s not in allow list: %w", domain, ErrDestinationBlocked)
		}
	}
	return nil
}

// AllowURL applies AllowDomain to the host of uri
func (p *Policy) AllowURL(uri string) error {
	domain, err := DomainOf(uri)
	if err != nil {
		return err
	}
	return p.AllowDomain(domain)
}

func domainSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d = normalizeDomain(d); d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if host, _, ok := strings.Cut(d, ":"); ok && !strings.Contains(d, "]") {
		d = host
	}
	return d
}
