package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ObjectKind is the closed set of remote entities the resolver stores
type ObjectKind int

const (
	ObjectPerson ObjectKind = iota + 1
	ObjectGroup
	ObjectPost
	ObjectComment
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectPerson:
		return "person"
	case ObjectGroup:
		return "group"
	case ObjectPost:
		return "post"
	case ObjectComment:
		return "comment"
	}
	return fmt.Sprintf("ObjectKind(%d)", int(k))
}

// IsActor reports whether the object is a person or a community
func (k ObjectKind) IsActor() bool {
	switch k {
	case ObjectPerson, ObjectGroup:
		return true
	case ObjectPost, ObjectComment:
		return false
	}
	return false
}

// ObjectKindFromType maps a wire type to an object kind
func ObjectKindFromType(t string) (ObjectKind, error) {
	switch t {
	case "Person", "Service", "Application":
		return ObjectPerson, nil
	case "Group", "Organization":
		return ObjectGroup, nil
	case "Page", "Article", "Question", "Video":
		return ObjectPost, nil
	case "Note", "ChatMessage":
		return ObjectComment, nil
	}
	return 0, fmt.Errorf("unsupported object type %q", t)
}

// ParseObjectKind is the inverse of ObjectKind.String, used when reading stored rows
func ParseObjectKind(s string) (ObjectKind, error) {
	for _, k := range []ObjectKind{ObjectPerson, ObjectGroup, ObjectPost, ObjectComment} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// RemoteObject is the local representation of a dereferenced remote entity.
// ID is stable for the lifetime of the URI.
type RemoteObject struct {
	ID        uuid.UUID
	URI       string
	Kind      ObjectKind
	Data      json.RawMessage
	FetchedAt time.Time
}

// PublicKey returns the actor's signing key, if the object carries one
func (o *RemoteObject) PublicKey() (id string, pem string, err error) {
	if !o.Kind.IsActor() {
		return "", "", fmt.Errorf("%s %s has no public key", o.Kind, o.URI)
	}
	var actor struct {
		PublicKey struct {
			ID           string `json:"id"`
			Owner        string `json:"owner"`
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if err := json.Unmarshal(o.Data, &actor); err != nil {
		return "", "", fmt.Errorf("failed to parse actor %s: %w", o.URI, err)
	}
	if actor.PublicKey.PublicKeyPem == "" {
		return "", "", fmt.Errorf("actor %s has no public key", o.URI)
	}
	return actor.PublicKey.ID, actor.PublicKey.PublicKeyPem, nil
}

// Inbox returns the shared inbox of an actor, falling back to its own inbox
func (o *RemoteObject) Inbox() string {
	var actor struct {
		Inbox     string `json:"inbox"`
		Endpoints struct {
			SharedInbox string `json:"sharedInbox"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(o.Data, &actor); err != nil {
		return ""
	}
	if actor.Endpoints.SharedInbox != "" {
		return actor.Endpoints.SharedInbox
	}
	return actor.Inbox
}

// RefState is the resolver's view of one remote uri
type RefState int

const (
	RefNotFetched RefState = iota
	RefInFlight
	RefCached
	RefFetchFailed
)

func (s RefState) String() string {
	switch s {
	case RefNotFetched:
		return "NotFetched"
	case RefInFlight:
		return "InFlight"
	case RefCached:
		return "Cached"
	case RefFetchFailed:
		return "FetchFailed"
	}
	return fmt.Sprintf("RefState(%d)", int(s))
}

// RejectReason names why an inbound document was refused
type RejectReason string

const (
	RejectDomainMismatch   RejectReason = "DomainMismatch"
	RejectUrlMismatch      RejectReason = "UrlMismatch"
	RejectSignatureInvalid RejectReason = "SignatureInvalid"
)

// VerificationOutcome is Accepted or Rejected(reason)
type VerificationOutcome struct {
	Accepted bool
	Reason   RejectReason
}

var Accepted = VerificationOutcome{Accepted: true}

func Rejected(reason RejectReason) VerificationOutcome {
	return VerificationOutcome{Reason: reason}
}

// InboundActivity is a received activity, kept for idempotent application
type InboundActivity struct {
	Id          uuid.UUID
	ActivityURI string
	Kind        Kind
	ActorURI    string
	ObjectURI   string
	RawJSON     string
	CreatedAt   time.Time
}
