package web

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
	mainKey
)

var actorNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,63}$`)

// ValidActorName reports whether name can appear in a local actor id
func ValidActorName(name string) bool {
	return actorNamePattern.MatchString(name)
}

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorDocument struct {
	Context           json.RawMessage `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Followers         string          `json:"followers"`
	Following         string          `json:"following"`
	URL               string          `json:"url"`
	Endpoints         endpoints       `json:"endpoints"`
	PublicKey         publicKey       `json:"publicKey"`
}

// GetActor renders the actor document of a local actor. Every local actor
// signs with the instance key, so the same public key is published for all.
func GetActor(name string, publicKeyPem string, conf *util.AppConfig) ([]byte, error) {
	if !ValidActorName(name) {
		return nil, fmt.Errorf("invalid actor name %q", name)
	}
	authority := conf.LocalAuthority()
	doc := actorDocument{
		Context:           activitypub.Context(),
		ID:                getIRI(authority, name, id),
		Type:              "Person",
		PreferredUsername: name,
		Inbox:             getIRI(authority, name, inbox),
		Outbox:            getIRI(authority, name, outbox),
		Followers:         getIRI(authority, name, followers),
		Following:         getIRI(authority, name, following),
		URL:               getIRI(authority, name, id),
		Endpoints:         endpoints{SharedInbox: getIRI(authority, name, sharedInbox)},
		PublicKey: publicKey{
			ID:           getIRI(authority, name, mainKey),
			Owner:        getIRI(authority, name, id),
			PublicKeyPem: publicKeyPem,
		},
	}
	return json.Marshal(doc)
}

func getIRI(authority string, name string, action action) string {
	prefix := fmt.Sprintf("%s/u/%s", authority, name)
	switch action {
	case inbox:
		return prefix + "/inbox"
	case outbox:
		return prefix + "/outbox"
	case followers:
		return prefix + "/followers"
	case following:
		return prefix + "/following"
	case mainKey:
		return prefix + "#main-key"
	case id:
		return prefix
	case sharedInbox:
		return authority + "/inbox"
	default:
		return ""
	}
}
