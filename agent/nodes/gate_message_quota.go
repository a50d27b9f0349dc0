package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	"github.com/bedah-kym/chatcore/agent/quota"
)

// GateMessageQuota meters the inbound message itself. A denied message
// is not an error: the denial becomes the streamed reply, and the rest
// of the pipeline passes through untouched.
func GateMessageQuota(ctx context.Context, in *GraphState, gate MessageGate) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	decision := gate.Gate(ctx, in.UserID, quota.ResourceMessages)
	if !decision.Allowed {
		in.QuotaDenied = true
		in.QuotaMessage = "You're sending messages faster than your plan allows. Give it a minute and try again."
		return in, nil
	}

	if err := gate.Increment(ctx, in.UserID, quota.ResourceMessages); err != nil {
		log.Error().Err(err).Str("user_id", in.UserID).Msg("message counter increment failed")
	}
	return in, nil
}
