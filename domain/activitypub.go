package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PublicAudience is the well-known collection addressing everyone.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Kind is the type of an activity as it appears on the wire
type Kind string

const (
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindFollow   Kind = "Follow"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindUndo     Kind = "Undo"
	KindAnnounce Kind = "Announce"
	KindBlock    Kind = "Block"
	KindLike     Kind = "Like"
	KindDislike  Kind = "Dislike"
	KindAdd      Kind = "Add"
	KindRemove   Kind = "Remove"
	KindFlag     Kind = "Flag"
)

var knownKinds = map[Kind]struct{}{
	KindCreate: {}, KindUpdate: {}, KindDelete: {}, KindFollow: {}, KindAccept: {},
	KindReject: {}, KindUndo: {}, KindAnnounce: {}, KindBlock: {}, KindLike: {},
	KindDislike: {}, KindAdd: {}, KindRemove: {}, KindFlag: {},
}

// ParseKind validates a wire type name
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := knownKinds[k]; !ok {
		return "", fmt.Errorf("unsupported activity type %q", s)
	}
	return k, nil
}

// IsVote reports whether the kind is a vote. Votes are addressed narrowly.
func (k Kind) IsVote() bool {
	return k == KindLike || k == KindDislike
}

func (k Kind) String() string {
	return string(k)
}

// Object is the object field of an activity. Exactly one of URI, Activity or
// Raw is set.
type Object struct {
	URI      string
	Activity *Activity      // embedded activity, e.g. the Follow inside an Undo
	Raw      json.RawMessage // embedded non-activity object, e.g. a Note
}

// ObjectURI wraps a plain reference
func ObjectURI(uri string) Object {
	return Object{URI: uri}
}

// ID returns the referenced or embedded object's id
func (o Object) ID() string {
	switch {
	case o.Activity != nil:
		return o.Activity.ID
	case len(o.Raw) > 0:
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(o.Raw, &head); err != nil {
			return ""
		}
		return head.ID
	default:
		return o.URI
	}
}

// IsEmbedded reports whether the object was sent inline
func (o Object) IsEmbedded() bool {
	return o.Activity != nil || len(o.Raw) > 0
}

func (o Object) MarshalJSON() ([]byte, error) {
	switch {
	case o.Activity != nil:
		return json.Marshal(o.Activity)
	case len(o.Raw) > 0:
		return o.Raw, nil
	default:
		return json.Marshal(o.URI)
	}
}

func (o *Object) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = Object{}
		return nil
	}
	if data[0] == '"' {
		var uri string
		if err := json.Unmarshal(data, &uri); err != nil {
			return err
		}
		*o = Object{URI: uri}
		return nil
	}
	if data[0] != '{' {
		return fmt.Errorf("object must be a string or an object")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if _, err := ParseKind(head.Type); err == nil {
		// an embedded activity missing id or actor is kept raw
		if inner, err := ParseActivity(data); err == nil {
			*o = Object{Activity: inner}
			return nil
		}
	}
	*o = Object{Raw: append(json.RawMessage(nil), data...)}
	return nil
}

// Activity is a typed document exchanged between servers. Activities are
// never updated in place.
type Activity struct {
	ID        string
	Kind      Kind
	Actor     string
	Object    Object
	To        []string
	CC        []string
	Published time.Time
}

type activityWire struct {
	ID        string   `json:"id"`
	Type      Kind     `json:"type"`
	Actor     string   `json:"actor"`
	Object    Object   `json:"object"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
}

func (a Activity) MarshalJSON() ([]byte, error) {
	w := activityWire{
		ID:     a.ID,
		Type:   a.Kind,
		Actor:  a.Actor,
		Object: a.Object,
		To:     a.To,
		CC:     a.CC,
	}
	if !a.Published.IsZero() {
		w.Published = a.Published.UTC().Format(time.RFC3339)
	}
	return json.Marshal(w)
}

// Audience returns to and cc combined, without duplicates
func (a *Activity) Audience() []string {
	seen := make(map[string]struct{}, len(a.To)+len(a.CC))
	var out []string
	for _, list := range [][]string{a.To, a.CC} {
		for _, uri := range list {
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, uri)
		}
	}
	return out
}

// IsPublic reports whether the activity is addressed to the public collection
func (a *Activity) IsPublic() bool {
	for _, uri := range a.Audience() {
		if uri == PublicAudience {
			return true
		}
	}
	return false
}

// ParseActivity decodes an inbound document and checks the fields every
// activity must carry.
func ParseActivity(body []byte) (*Activity, error) {
	var raw struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Actor     json.RawMessage `json:"actor"`
		Object    Object          `json:"object"`
		To        audienceList    `json:"to"`
		CC        audienceList    `json:"cc"`
		Published string          `json:"published"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	kind, err := ParseKind(raw.Type)
	if err != nil {
		return nil, err
	}
	actor, err := actorID(raw.Actor)
	if err != nil {
		return nil, err
	}
	if raw.ID == "" || actor == "" {
		return nil, fmt.Errorf("activity missing id or actor")
	}

	a := &Activity{
		ID:     raw.ID,
		Kind:   kind,
		Actor:  actor,
		Object: raw.Object,
		To:     raw.To,
		CC:     raw.CC,
	}
	if raw.Published != "" {
		if t, err := time.Parse(time.RFC3339, raw.Published); err == nil {
			a.Published = t
		}
	}
	return a, nil
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	parsed, err := ParseActivity(data)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}

// actorID accepts both `"actor": "uri"` and `"actor": {"id": "uri", ...}`
func actorID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		return s, err
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("invalid actor: %w", err)
	}
	return obj.ID, nil
}

// audienceList decodes a single uri or a list of uris
type audienceList []string

func (l *audienceList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = audienceList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// LowerKind is the path segment used in generated activity ids
func LowerKind(k Kind) string {
	return strings.ToLower(string(k))
}
