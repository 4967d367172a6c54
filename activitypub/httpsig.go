package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
)

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// Signer authenticates outgoing requests on behalf of a local actor
type Signer interface {
	Sign(req *http.Request, actor string, body []byte) error
}

// KeySigner signs with the instance key. The key id is the actor's
// "#main-key" fragment.
type KeySigner struct {
	key *rsa.PrivateKey
}

func NewKeySigner(privatePem string) (*KeySigner, error) {
	key, err := ParsePrivateKey(privatePem)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key}, nil
}

func (s *KeySigner) Sign(req *http.Request, actor string, body []byte) error {
	return SignRequest(req, s.key, actor+"#main-key", body)
}

// SignRequest signs an outgoing HTTP request with the given private key.
// The Digest header is computed from body.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	return signer.SignRequest(privateKey, keyId, req, body)
}

// KeyIDFromRequest returns the keyId named in the Signature header without
// verifying anything.
func KeyIDFromRequest(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("no usable signature: %w", err)
	}
	return verifier.KeyId(), nil
}

// VerifyRequest verifies the HTTP signature and the body digest of an
// incoming request. It returns the key id that signed it.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}
	return verifier.KeyId(), nil
}

// ActorFromKeyID strips the fragment of a key id such as
// "https://example.com/users/alice#main-key"
func ActorFromKeyID(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

func verifyDigest(header string, body []byte) error {
	algo, value, ok := strings.Cut(header, "=")
	if !ok {
		return fmt.Errorf("missing or malformed Digest header")
	}
	if !strings.EqualFold(algo, string(httpsig.DigestSha256)) {
		return fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	sum := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(value)) != 1 {
		return fmt.Errorf("digest does not match body")
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
