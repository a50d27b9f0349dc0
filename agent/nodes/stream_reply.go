package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

const chatTemperature = 0.7

// StreamReply renders the pipeline's outcome into the room: a quota
// denial verbatim, a routed result's message, or a live model stream
// for the chat fallback. Whatever happens, the stream is finished so
// the room sees the response close.
func StreamReply(ctx context.Context, in *GraphState, model contractx.LanguageModel, begin func(group string) Streamer, chatPrompt string) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	response := begin(in.RoomID)
	var reply strings.Builder
	push := func(fragment string) error {
		reply.WriteString(fragment)
		return response.Push(fragment)
	}

	switch {
	case in.QuotaDenied:
		if err := push(in.QuotaMessage); err != nil {
			log.Warn().Err(err).Str("room_id", in.RoomID).Msg("quota notice not streamed")
		}

	case in.Routed.Fallback:
		err := model.Stream(ctx, contractx.StreamRequest{
			SystemPrompt: chatPrompt,
			UserPrompt:   in.Text,
			Temperature:  chatTemperature,
		}, push)
		if err != nil {
			log.Error().Err(err).Str("room_id", in.RoomID).Msg("chat stream failed")
			if reply.Len() == 0 {
				if pushErr := push("Sorry, I couldn't come up with a reply just now. Please try again."); pushErr != nil {
					log.Warn().Err(pushErr).Str("room_id", in.RoomID).Msg("apology not streamed")
				}
			}
		}

	default:
		if err := push(in.Routed.Result.Message); err != nil {
			log.Warn().Err(err).Str("room_id", in.RoomID).Msg("result message not streamed")
		}
	}

	if err := response.Finish(); err != nil {
		log.Warn().Err(err).Str("room_id", in.RoomID).Msg("final flush failed")
	}
	in.Reply = reply.String()
	return in, nil
}
