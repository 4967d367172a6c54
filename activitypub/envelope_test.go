package activitypub

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/deemkeen/federate/domain"
)

type staticFollowers map[string][]string

func (f staticFollowers) Followers(actor string) []string {
	return f[actor]
}

func TestNewBuilderRejectsBadAuthority(t *testing.T) {
	tests := []struct {
		name      string
		protocol  string
		authority string
	}{
		{"empty", "https", ""},
		{"with path", "https", "example.com/path"},
		{"with user", "https", "bob@example.com"},
		{"bad protocol", "ftp", "example.com"},
		{"spaces", "https", "exa mple.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.protocol, tt.authority, nil)
			var addrErr *AddressingError
			if !errors.As(err, &addrErr) {
				t.Fatalf("Expected *AddressingError, got %v", err)
			}
		})
	}
}

func TestGenerateActivityID(t *testing.T) {
	b, err := NewBuilder("https", "Example.COM:8443", nil)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	pattern := regexp.MustCompile(`^https://example\.com:8443/activities/like/[0-9a-f-]{36}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := b.GenerateActivityID(domain.KindLike)
		if !pattern.MatchString(id) {
			t.Fatalf("Unexpected id format: %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestBuildPublicActivity(t *testing.T) {
	actor := "https://example.com/u/alice"
	followers := staticFollowers{actor: {"https://a.example/u/bob", "https://b.example/u/carol"}}
	b, err := NewBuilder("https", "example.com", followers)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	a, err := b.Build(domain.KindCreate, actor, domain.ObjectURI("https://example.com/post/1"))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !strings.HasPrefix(a.ID, "https://example.com/activities/create/") {
		t.Errorf("Unexpected id %s", a.ID)
	}
	if len(a.To) != 1 || a.To[0] != domain.PublicAudience {
		t.Errorf("Expected public addressing, got to=%v", a.To)
	}
	if len(a.CC) != 2 {
		t.Errorf("Expected followers in cc, got %v", a.CC)
	}
	if a.Published.IsZero() {
		t.Error("Expected published to be set")
	}
}

func TestBuildVoteIsNarrow(t *testing.T) {
	actor := "https://example.com/u/alice"
	followers := staticFollowers{actor: {"https://a.example/u/bob"}}
	b, _ := NewBuilder("https", "example.com", followers)

	community := "https://lemmy.example/c/golang"
	a, err := b.Build(domain.KindLike, actor, domain.ObjectURI("https://lemmy.example/post/7"), community)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(a.To) != 1 || a.To[0] != community {
		t.Errorf("Expected vote addressed to %s, got %v", community, a.To)
	}
	if len(a.CC) != 0 {
		t.Errorf("Expected no cc on a vote, got %v", a.CC)
	}
	if a.IsPublic() {
		t.Error("Vote must not be public")
	}
}

func TestBuildVoteWithoutRecipients(t *testing.T) {
	actor := "https://example.com/u/alice"
	followers := staticFollowers{actor: {"https://a.example/u/bob", "https://c.example/u/eve"}}
	b, _ := NewBuilder("https", "example.com", followers)

	for _, kind := range []domain.Kind{domain.KindLike, domain.KindDislike} {
		a, err := b.Build(kind, actor, domain.ObjectURI("https://lemmy.example/post/7"))
		if err == nil {
			t.Errorf("%s: expected error without recipients, got to=%v cc=%v", kind, a.To, a.CC)
		}
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	b, _ := NewBuilder("https", "example.com", nil)
	if _, err := b.Build(domain.Kind("Explode"), "https://example.com/u/alice", domain.ObjectURI("x")); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := b.Build(domain.KindLike, "", domain.ObjectURI("x")); err == nil {
		t.Error("Expected error for missing actor")
	}
}

func TestWithContext(t *testing.T) {
	b, _ := NewBuilder("https", "example.com", nil)
	inner, _ := b.Build(domain.KindFollow, "https://example.com/u/alice", domain.ObjectURI("https://a.example/u/bob"), "https://a.example/u/bob")
	undo, _ := b.Build(domain.KindUndo, "https://example.com/u/alice", domain.Object{Activity: inner}, "https://a.example/u/bob")

	body, err := WithContext(undo)
	if err != nil {
		t.Fatalf("WithContext failed: %v", err)
	}
	if !strings.HasPrefix(string(body), `{"@context":[`) {
		t.Errorf("Expected @context first, got %.40s", body)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if decoded["type"] != "Undo" {
		t.Errorf("Expected type Undo, got %v", decoded["type"])
	}
	embedded, ok := decoded["object"].(map[string]any)
	if !ok {
		t.Fatalf("Expected embedded object, got %T", decoded["object"])
	}
	if embedded["id"] != inner.ID {
		t.Errorf("Expected embedded id %s, got %v", inner.ID, embedded["id"])
	}

	parsed, err := domain.ParseActivity(body)
	if err != nil {
		t.Fatalf("ParseActivity failed on own output: %v", err)
	}
	if parsed.Object.Activity == nil || parsed.Object.Activity.Kind != domain.KindFollow {
		t.Errorf("Expected embedded Follow after round trip, got %+v", parsed.Object)
	}
}

func TestContextIsShared(t *testing.T) {
	a := Context()
	b := Context()
	if &a[0] != &b[0] {
		t.Error("Expected the context document to be computed once")
	}
	if !json.Valid(a) {
		t.Error("Context is not valid JSON")
	}
}
