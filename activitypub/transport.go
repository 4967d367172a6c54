package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/federate/util"
	"go.uber.org/zap"
)

const (
	ContentTypeActivity = "application/activity+json"
	acceptHeader        = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ErrObjectGone is returned when the remote object was deleted (HTTP 410 or a Tombstone)
var ErrObjectGone = errors.New("remote object is gone")

// TransientError is a delivery failure worth retrying: network errors,
// timeouts and retryable responses.
type TransientError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient delivery failure: status %d", e.Status)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError means the destination refused the activity for good. The
// destination is taken out of rotation until an operator reactivates it.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: status %d (%s)", e.Status, http.StatusText(e.Status))
}

// ClassifyStatus maps a delivery response status to nil, *PermanentError or
// *TransientError. Only gone and forbidden are permanent.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusGone, status == http.StatusForbidden:
		return &PermanentError{Status: status}
	default:
		return &TransientError{Status: status}
	}
}

type TransportOptions struct {
	MaxFetchBytes int64
}

// HTTPTransport delivers signed activities and fetches remote objects
type HTTPTransport struct {
	client   *http.Client
	signer   Signer
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTPTransport returns a transport using client. Timeouts are taken from
// the context of each call.
func NewHTTPTransport(client *http.Client, signer Signer, opts TransportOptions, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = 1 << 20
	}
	return &HTTPTransport{
		client:   client,
		signer:   signer,
		maxBytes: opts.MaxFetchBytes,
		logger:   logger.Named("transport"),
	}
}

// Deliver POSTs body to inbox, signed on behalf of actor
func (t *HTTPTransport) Deliver(ctx context.Context, inbox, actor string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Status: http.StatusBadRequest}
	}

	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if t.signer != nil {
		if err := t.signer.Sign(req, actor, body); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if err := ClassifyStatus(resp.StatusCode); err != nil {
		return err
	}
	t.logger.Debug("delivered", zap.String("inbox", inbox), zap.Int("status", resp.StatusCode))
	return nil
}

// Fetch GETs the activity representation of uri, limited to the configured
// number of bytes.
func (t *HTTPTransport) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrObjectGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("response for %s exceeds %d bytes", uri, t.maxBytes)
	}
	return body, nil
}
