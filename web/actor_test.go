package web

import (
	"encoding/json"
	"testing"
)

func TestGetActor(t *testing.T) {
	body, err := GetActor("alice", "PEM", testConf())
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if doc["@context"] == nil {
		t.Error("Actor document should carry a context")
	}
	if doc["id"] != "https://example.com/u/alice" {
		t.Errorf("Unexpected id %v", doc["id"])
	}
	if doc["inbox"] != "https://example.com/u/alice/inbox" {
		t.Errorf("Unexpected inbox %v", doc["inbox"])
	}
	endpoints := doc["endpoints"].(map[string]any)
	if endpoints["sharedInbox"] != "https://example.com/inbox" {
		t.Errorf("Unexpected shared inbox %v", endpoints["sharedInbox"])
	}
	key := doc["publicKey"].(map[string]any)
	if key["id"] != "https://example.com/u/alice#main-key" {
		t.Errorf("Unexpected key id %v", key["id"])
	}
	if key["publicKeyPem"] != "PEM" {
		t.Errorf("Unexpected key %v", key["publicKeyPem"])
	}
}

func TestGetActorInvalidName(t *testing.T) {
	for _, name := range []string{"", ".hidden", "a/b", "a b"} {
		if _, err := GetActor(name, "PEM", testConf()); err == nil {
			t.Errorf("Expected error for name %q", name)
		}
	}
}

func TestGetIRI(t *testing.T) {
	tests := []struct {
		action action
		want   string
	}{
		{id, "http://local:8080/u/bob"},
		{inbox, "http://local:8080/u/bob/inbox"},
		{outbox, "http://local:8080/u/bob/outbox"},
		{followers, "http://local:8080/u/bob/followers"},
		{following, "http://local:8080/u/bob/following"},
		{mainKey, "http://local:8080/u/bob#main-key"},
		{sharedInbox, "http://local:8080/inbox"},
	}
	for _, tt := range tests {
		if got := getIRI("http://local:8080", "bob", tt.action); got != tt.want {
			t.Errorf("getIRI(%d) = %s, want %s", tt.action, got, tt.want)
		}
	}
}
