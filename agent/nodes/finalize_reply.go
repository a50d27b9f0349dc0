package nodes

import (
	"fmt"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	return GraphOutput{Reply: in.Reply}, nil
}
