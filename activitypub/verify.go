package activitypub

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"go.uber.org/zap"
)

// VerifyDomainsMatch accepts when both uris name the same host. Scheme and
// port are not compared.
func VerifyDomainsMatch(a, b string) domain.VerificationOutcome {
	ha, ok := hostOf(a)
	if !ok {
		return domain.Rejected(domain.RejectDomainMismatch)
	}
	hb, ok := hostOf(b)
	if !ok || ha != hb {
		return domain.Rejected(domain.RejectDomainMismatch)
	}
	return domain.Accepted
}

// VerifyUrlsMatch accepts when both uris are identical after normalization
func VerifyUrlsMatch(a, b string) domain.VerificationOutcome {
	na, err := NormalizeURL(a)
	if err != nil {
		return domain.Rejected(domain.RejectUrlMismatch)
	}
	nb, err := NormalizeURL(b)
	if err != nil || na != nb {
		return domain.Rejected(domain.RejectUrlMismatch)
	}
	return domain.Accepted
}

// NormalizeURL lowercases scheme and host, drops the scheme's default port
// and turns an empty path into "/".
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute url", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// DomainOf returns the lowercased host of uri
func DomainOf(uri string) (string, error) {
	h, ok := hostOf(uri)
	if !ok {
		return "", fmt.Errorf("%q has no host", uri)
	}
	return h, nil
}

func hostOf(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

// VerificationError is returned for every rejected inbound document
type VerificationError struct {
	Reason  domain.RejectReason
	Subject string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed (%s): %s", e.Reason, e.Subject)
}

// RejectionEvent is one recorded rejection, kept for the operator feed
type RejectionEvent struct {
	Reason  domain.RejectReason
	Subject string
	At      time.Time
}

const defaultEventCapacity = 100

// Gate turns verification outcomes into errors and makes every rejection
// observable: it is counted, logged and kept in a bounded list of recent
// events.
type Gate struct {
	logger  *zap.Logger
	metrics *metrics.FederationMetrics

	mu     sync.Mutex
	events []RejectionEvent
	next   int
	full   bool
}

func NewGate(logger *zap.Logger, m *metrics.FederationMetrics, capacity int) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	return &Gate{
		logger:  logger.Named("gate"),
		metrics: m,
		events:  make([]RejectionEvent, capacity),
	}
}

// Check returns nil for an accepted outcome. A rejection is recorded and
// returned as *VerificationError.
func (g *Gate) Check(outcome domain.VerificationOutcome, subject string) error {
	if outcome.Accepted {
		return nil
	}
	g.Reject(outcome.Reason, subject)
	return &VerificationError{Reason: outcome.Reason, Subject: subject}
}

// Reject records a rejection decided outside the pure checks, e.g. a bad signature
func (g *Gate) Reject(reason domain.RejectReason, subject string) {
	g.metrics.Rejections.WithLabelValues(string(reason)).Inc()
	g.logger.Warn("inbound document rejected", zap.String("reason", string(reason)), zap.String("subject", subject))

	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[g.next] = RejectionEvent{Reason: reason, Subject: subject, At: time.Now()}
	g.next = (g.next + 1) % len(g.events)
	if g.next == 0 {
		g.full = true
	}
}

// Events returns the recorded rejections, newest first
func (g *Gate) Events() []RejectionEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.next
	if g.full {
		n = len(g.events)
	}
	out := make([]RejectionEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (g.next - i + len(g.events)) % len(g.events)
		out = append(out, g.events[idx])
	}
	return out
}
