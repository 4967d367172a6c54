package activitypub

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/google/uuid"
)

// FollowerSource resolves the follower set of a local actor
type FollowerSource interface {
	Followers(actor string) []string
}

// AddressingError means the local authority cannot be used to mint ids.
// It is a configuration error and is only returned at startup.
type AddressingError struct {
	Authority string
	Reason    string
}

func (e *AddressingError) Error() string {
	return fmt.Sprintf("invalid local authority %q: %s", e.Authority, e.Reason)
}

// Builder constructs outgoing activities for the local instance
type Builder struct {
	protocol  string
	authority string
	followers FollowerSource
	now       func() time.Time
}

func NewBuilder(protocol, authority string, followers FollowerSource) (*Builder, error) {
	if protocol != "http" && protocol != "https" {
		return nil, &AddressingError{Authority: authority, Reason: fmt.Sprintf("unsupported protocol %q", protocol)}
	}
	if authority == "" {
		return nil, &AddressingError{Authority: authority, Reason: "empty"}
	}
	u, err := url.Parse(protocol + "://" + authority)
	if err != nil {
		return nil, &AddressingError{Authority: authority, Reason: err.Error()}
	}
	if u.Host != authority || u.Hostname() == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return nil, &AddressingError{Authority: authority, Reason: "not a bare host[:port]"}
	}
	return &Builder{
		protocol:  protocol,
		authority: strings.ToLower(authority),
		followers: followers,
		now:       time.Now,
	}, nil
}

// Authority is the local host[:port] ids are minted under
func (b *Builder) Authority() string {
	return b.authority
}

// GenerateActivityID mints a new id under the local authority. Uniqueness
// rests on the 122 random bits of a v4 uuid.
func (b *Builder) GenerateActivityID(kind domain.Kind) string {
	return fmt.Sprintf("%s://%s/activities/%s/%s", b.protocol, b.authority, domain.LowerKind(kind), uuid.New())
}

// Build wraps object into a new activity of the given kind. With explicit
// recipients the activity is addressed to them only; otherwise it is public
// and copied to the actor's followers. Votes are never public: a Like or
// Dislike without recipients is an error.
func (b *Builder) Build(kind domain.Kind, actor string, object domain.Object, recipients ...string) (*domain.Activity, error) {
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, fmt.Errorf("activity %s needs an actor", kind)
	}

	if kind.IsVote() && len(recipients) == 0 {
		return nil, fmt.Errorf("%s by %s needs explicit recipients", kind, actor)
	}

	a := &domain.Activity{
		ID:        b.GenerateActivityID(kind),
		Kind:      kind,
		Actor:     actor,
		Object:    object,
		Published: b.now().UTC(),
	}

	if len(recipients) > 0 {
		a.To = append([]string(nil), recipients...)
		return a, nil
	}

	a.To = []string{domain.PublicAudience}
	if b.followers != nil {
		a.CC = b.followers.Followers(actor)
	}
	return a, nil
}
