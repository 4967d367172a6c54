package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler applies an accepted activity to the local content model. actor is
// the verified sender; object is nil when the activity embeds its object,
// references a local one, or references one that is gone.
type Handler interface {
	HandleActivity(ctx context.Context, activity *domain.Activity, actor, object *domain.RemoteObject) error
}

// LogHandler only logs what it receives
type LogHandler struct {
	Logger *zap.Logger
}

func (h LogHandler) HandleActivity(_ context.Context, activity *domain.Activity, actor, object *domain.RemoteObject) error {
	fields := []zap.Field{
		zap.String("id", activity.ID),
		zap.Stringer("kind", activity.Kind),
		zap.String("actor", actor.URI),
	}
	if object != nil {
		fields = append(fields, zap.Stringer("object_kind", object.Kind), zap.String("object", object.URI))
	}
	if h.Logger != nil {
		h.Logger.Info("activity received", fields...)
	}
	return nil
}

// InboundLog remembers received activities so each is applied once
type InboundLog interface {
	// ClaimActivity returns false when the activity was already claimed
	ClaimActivity(ctx context.Context, activity *domain.InboundActivity) (bool, error)
	MarkActivityProcessed(ctx context.Context, activityURI string) error
	ReleaseActivity(ctx context.Context, activityURI string) error
}

// ObjectResolver is satisfied by *Resolver
type ObjectResolver interface {
	Resolve(ctx context.Context, uri string) (*domain.RemoteObject, error)
}

var (
	errUnsigned    = errors.New("request carries no usable signature")
	errUnknownKey  = errors.New("signing actor cannot be verified")
	errMalformed   = errors.New("malformed activity")
	errHandlerFail = errors.New("failed to apply activity")
)

// Inbox receives activities from other servers. Nothing is stored and no
// handler runs before every check has accepted the document.
type Inbox struct {
	policy   *Policy
	gate     *Gate
	resolver ObjectResolver
	log      InboundLog
	handler  Handler
	logger   *zap.Logger
	metrics  *metrics.FederationMetrics
}

func NewInbox(policy *Policy, gate *Gate, resolver ObjectResolver, log InboundLog, handler Handler, logger *zap.Logger, m *metrics.FederationMetrics) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if handler == nil {
		handler = LogHandler{Logger: logger}
	}
	return &Inbox{
		policy:   policy,
		gate:     gate,
		resolver: resolver,
		log:      log,
		handler:  handler,
		logger:   logger.Named("inbox"),
		metrics:  m,
	}
}

func (in *Inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := in.Receive(r, body); err != nil {
		status := StatusFor(err)
		in.logger.Info("activity refused", zap.Int("status", status), zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StatusFor maps an error returned by Receive to an HTTP status
func StatusFor(err error) int {
	var verr *VerificationError
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.As(err, &verr):
		if verr.Reason == domain.RejectSignatureInvalid {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.Is(err, errUnsigned), errors.Is(err, errUnknownKey):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDestinationBlocked), errors.Is(err, ErrFederationDisabled):
		return http.StatusForbidden
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, errHandlerFail):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Receive runs the inbound pipeline on one request. A duplicate of an
// already received activity returns nil without reaching the handler.
func (in *Inbox) Receive(r *http.Request, body []byte) error {
	ctx := r.Context()

	activity, err := domain.ParseActivity(body)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	if err := in.policy.AllowURL(activity.Actor); err != nil {
		return err
	}

	keyID, err := KeyIDFromRequest(r)
	if err != nil {
		in.gate.Reject(domain.RejectSignatureInvalid, activity.Actor)
		return fmt.Errorf("%w: %v", errUnsigned, err)
	}
	if err := in.gate.Check(VerifyDomainsMatch(activity.Actor, keyID), keyID); err != nil {
		return err
	}
	if err := in.gate.Check(VerifyDomainsMatch(activity.ID, activity.Actor), activity.ID); err != nil {
		return err
	}
	if inner := activity.Object.Activity; activity.Kind == domain.KindUndo && inner != nil {
		if err := in.gate.Check(VerifyUrlsMatch(activity.Actor, inner.Actor), inner.ID); err != nil {
			return err
		}
	}

	actor, err := in.resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		// a deleted account announcing its own deletion cannot be verified
		// any more; there is nothing left to apply either
		if errors.Is(err, ErrObjectGone) && activity.Kind == domain.KindDelete {
			in.logger.Debug("ignoring delete from gone actor", zap.String("actor", activity.Actor))
			return nil
		}
		in.gate.Reject(domain.RejectSignatureInvalid, keyID)
		return fmt.Errorf("%w: %v", errUnknownKey, err)
	}
	_, pem, err := actor.PublicKey()
	if err != nil {
		in.gate.Reject(domain.RejectSignatureInvalid, keyID)
		return fmt.Errorf("%w: %v", errUnknownKey, err)
	}
	if _, err := VerifyRequest(r, body, pem); err != nil {
		in.gate.Reject(domain.RejectSignatureInvalid, keyID)
		return &VerificationError{Reason: domain.RejectSignatureInvalid, Subject: keyID}
	}

	record := &domain.InboundActivity{
		Id:          uuid.New(),
		ActivityURI: activity.ID,
		Kind:        activity.Kind,
		ActorURI:    activity.Actor,
		ObjectURI:   activity.Object.ID(),
		RawJSON:     string(body),
		CreatedAt:   time.Now(),
	}
	claimed, err := in.log.ClaimActivity(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	if !claimed {
		in.logger.Debug("duplicate activity", zap.String("id", activity.ID))
		return nil
	}

	object, err := in.resolveObject(ctx, activity)
	if err != nil {
		in.release(ctx, activity.ID)
		return err
	}

	if err := in.handler.HandleActivity(ctx, activity, actor, object); err != nil {
		in.release(ctx, activity.ID)
		return fmt.Errorf("%w: %v", errHandlerFail, err)
	}
	if err := in.log.MarkActivityProcessed(ctx, activity.ID); err != nil {
		in.logger.Warn("failed to mark activity processed", zap.String("id", activity.ID), zap.Error(err))
	}
	in.metrics.InboundAccepted.WithLabelValues(string(activity.Kind)).Inc()
	return nil
}

// resolveObject dereferences the object of activity when it is a reference
// to a remote entity
func (in *Inbox) resolveObject(ctx context.Context, activity *domain.Activity) (*domain.RemoteObject, error) {
	obj := activity.Object
	if obj.IsEmbedded() || obj.URI == "" {
		return nil, nil
	}
	host, err := DomainOf(obj.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if host == in.policy.local {
		return nil, nil
	}
	resolved, err := in.resolver.Resolve(ctx, obj.URI)
	if err != nil {
		if errors.Is(err, ErrObjectGone) && (activity.Kind == domain.KindDelete || activity.Kind == domain.KindUndo) {
			return nil, nil
		}
		return nil, err
	}
	return resolved, nil
}

func (in *Inbox) release(ctx context.Context, uri string) {
	if err := in.log.ReleaseActivity(context.WithoutCancel(ctx), uri); err != nil {
		in.logger.Warn("failed to release activity", zap.String("id", uri), zap.Error(err))
	}
}
