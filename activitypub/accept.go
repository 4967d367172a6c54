package activitypub

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/federate/domain"
	"go.uber.org/zap"
)

// Publisher stores an outgoing activity for delivery to inboxes
type Publisher interface {
	Enqueue(ctx context.Context, activity *domain.Activity, inboxes []string) (int64, error)
}

// FollowAcceptor answers every Follow of a local actor with an Accept
// addressed to the follower. Other activities go to Next.
type FollowAcceptor struct {
	builder   *Builder
	publisher Publisher
	next      Handler
	logger    *zap.Logger
}

func NewFollowAcceptor(builder *Builder, publisher Publisher, next Handler, logger *zap.Logger) *FollowAcceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if next == nil {
		next = LogHandler{Logger: logger}
	}
	return &FollowAcceptor{builder: builder, publisher: publisher, next: next, logger: logger.Named("accept")}
}

func (f *FollowAcceptor) HandleActivity(ctx context.Context, activity *domain.Activity, actor, object *domain.RemoteObject) error {
	if err := f.next.HandleActivity(ctx, activity, actor, object); err != nil {
		return err
	}
	if activity.Kind != domain.KindFollow {
		return nil
	}

	target := activity.Object.ID()
	if !f.isLocal(target) {
		return nil
	}
	inbox := actor.Inbox()
	if inbox == "" {
		return fmt.Errorf("follower %s has no inbox", actor.URI)
	}

	accept, err := f.builder.Build(domain.KindAccept, target, domain.Object{Activity: activity}, actor.URI)
	if err != nil {
		return fmt.Errorf("failed to build Accept for %s: %w", activity.ID, err)
	}
	seq, err := f.publisher.Enqueue(ctx, accept, []string{inbox})
	if err != nil {
		return fmt.Errorf("failed to enqueue Accept for %s: %w", activity.ID, err)
	}
	f.logger.Info("accepted follow",
		zap.String("follower", actor.URI),
		zap.String("followed", target),
		zap.Int64("sequence", seq))
	return nil
}

func (f *FollowAcceptor) isLocal(uri string) bool {
	prefix := fmt.Sprintf("%s://%s/", f.builder.protocol, f.builder.authority)
	return strings.HasPrefix(strings.ToLower(uri), prefix)
}
