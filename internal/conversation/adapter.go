// Package conversation applies quota enforcement to chat turns and carries
// them over a websocket transport.
package conversation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/gate"
	"github.com/rcourtman/pulse-quota/internal/logging"
	"github.com/rcourtman/pulse-quota/internal/quota"
)

// UnknownUser is used when a turn carries no user id.
const UnknownUser = "unknown"

// Turn is a single inbound message within a conversation.
type Turn interface {
	TenantID() string
	UserID() string
	ConversationID() string
	Text() string
	SendText(ctx context.Context, text string) error
}

// Handler produces the bot's response to a turn. A nil error means the turn
// succeeded and its usage is billable.
type Handler func(ctx context.Context, turn Turn) error

type snapshotKey struct{}

// SnapshotFromContext returns the quota snapshot attached to a turn's
// context, if the turn was evaluated.
func SnapshotFromContext(ctx context.Context) (*quota.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotKey{}).(*quota.Snapshot)
	return snap, ok && snap != nil
}

// Adapter enforces quota on conversation turns.
type Adapter struct {
	gate *gate.Gate
}

// NewAdapter wraps a gate for conversational use.
func NewAdapter(g *gate.Gate) *Adapter {
	return &Adapter{gate: g}
}

// Process checks quota for a turn. A denied turn receives the denial text
// and the handler does not run. Otherwise the handler runs and its outcome
// decides whether usage is reported.
func (a *Adapter) Process(ctx context.Context, turn Turn, handler Handler) error {
	ctx, requestID := logging.WithRequestID(ctx, logging.RequestIDFromContext(ctx))

	userID := turn.UserID()
	if userID == "" {
		userID = UnknownUser
	}

	adm := a.gate.Check(ctx, gate.Subject{
		TenantID:  turn.TenantID(),
		UserID:    userID,
		RequestID: requestID,
		Channel:   gate.ChannelConversation,
	})

	if !adm.Allowed() {
		snap := adm.Snapshot()
		log.Info().
			Str("requestId", requestID).
			Str("tenantId", turn.TenantID()).
			Str("conversationId", turn.ConversationID()).
			Msg("Conversation turn blocked by quota")
		if err := turn.SendText(ctx, quota.DenialMessage(*snap)); err != nil {
			return fmt.Errorf("send quota denial: %w", err)
		}
		return nil
	}

	if snap := adm.Snapshot(); snap != nil {
		ctx = context.WithValue(ctx, snapshotKey{}, snap)
	}

	succeeded := false
	defer func() { adm.Complete(succeeded) }()

	err := handler(ctx, turn)
	succeeded = err == nil
	return err
}
