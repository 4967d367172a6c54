package activitypub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		transient bool
	}{
		{200, false, false},
		{202, false, false},
		{204, false, false},
		{400, false, true},
		{401, false, true},
		{403, true, false},
		{404, false, true},
		{408, false, true},
		{410, true, false},
		{429, false, true},
		{500, false, true},
		{503, false, true},
	}
	for _, tt := range tests {
		err := ClassifyStatus(tt.status)
		var perm *PermanentError
		var trans *TransientError
		if got := errors.As(err, &perm); got != tt.permanent {
			t.Errorf("status %d: permanent=%v, want %v", tt.status, got, tt.permanent)
		}
		if got := errors.As(err, &trans); got != tt.transient {
			t.Errorf("status %d: transient=%v, want %v", tt.status, got, tt.transient)
		}
	}
}

func TestDeliverSignsRequest(t *testing.T) {
	privateKey, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM, _ := publicKeyToPEM(publicKey)
	signer, _ := NewKeySigner(privateKeyToPEM(privateKey))

	body := []byte(`{"type":"Create","id":"https://local.example/activities/create/1"}`)
	verified := make(chan error, 1)
	contentType := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ := io.ReadAll(r.Body)
		contentType <- r.Header.Get("Content-Type")
		_, err := VerifyRequest(r, received, publicPEM)
		verified <- err
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), signer, TransportOptions{}, nil)
	if err := tr.Deliver(context.Background(), srv.URL+"/inbox", "https://local.example/u/alice", body); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if err := <-verified; err != nil {
		t.Errorf("Server could not verify the signature: %v", err)
	}
	if ct := <-contentType; ct != ContentTypeActivity {
		t.Errorf("Expected content type %s, got %s", ContentTypeActivity, ct)
	}
}

func TestDeliverClassifiesResponses(t *testing.T) {
	for _, status := range []int{http.StatusGone, http.StatusForbidden, http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		tr := NewHTTPTransport(srv.Client(), nil, TransportOptions{}, nil)
		err := tr.Deliver(context.Background(), srv.URL+"/inbox", "https://local.example/u/alice", []byte(`{}`))
		srv.Close()

		var perm *PermanentError
		var trans *TransientError
		switch status {
		case http.StatusGone, http.StatusForbidden:
			if !errors.As(err, &perm) || perm.Status != status {
				t.Errorf("status %d: expected PermanentError, got %v", status, err)
			}
		default:
			if !errors.As(err, &trans) || trans.Status != status {
				t.Errorf("status %d: expected TransientError, got %v", status, err)
			}
		}
	}
}

func TestDeliverNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(nil, nil, TransportOptions{}, nil)
	err := tr.Deliver(context.Background(), url+"/inbox", "https://local.example/u/alice", []byte(`{}`))
	var trans *TransientError
	if !errors.As(err, &trans) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if trans.Status != 0 {
		t.Errorf("Expected no status for a network error, got %d", trans.Status)
	}
}

func TestDeliverTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport(srv.Client(), nil, TransportOptions{}, nil)
	err := tr.Deliver(ctx, srv.URL+"/inbox", "https://local.example/u/alice", []byte(`{}`))
	var trans *TransientError
	if !errors.As(err, &trans) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded in chain, got %v", err)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), "application/activity+json") {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		switch r.URL.Path {
		case "/u/bob":
			w.Header().Set("Content-Type", ContentTypeActivity)
			w.Write([]byte(`{"id":"x","type":"Person"}`))
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/big":
			w.Write(bytes.Repeat([]byte("a"), 64))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), nil, TransportOptions{MaxFetchBytes: 32}, nil)
	ctx := context.Background()

	body, err := tr.Fetch(ctx, srv.URL+"/u/bob")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(body) != `{"id":"x","type":"Person"}` {
		t.Errorf("Unexpected body %s", body)
	}

	if _, err := tr.Fetch(ctx, srv.URL+"/gone"); !errors.Is(err, ErrObjectGone) {
		t.Errorf("Expected ErrObjectGone, got %v", err)
	}
	if _, err := tr.Fetch(ctx, srv.URL+"/big"); err == nil {
		t.Error("Expected error for oversized response")
	}
	if _, err := tr.Fetch(ctx, srv.URL+"/missing"); err == nil {
		t.Error("Expected error for 404")
	}
}
