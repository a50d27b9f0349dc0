package nodes

import (
	"context"
	"fmt"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// RouteAction dispatches the classified intent through the router.
func RouteAction(ctx context.Context, in *GraphState, dispatcher Dispatcher) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.QuotaDenied {
		return in, nil
	}

	in.Routed = dispatcher.Route(ctx, in.Intent, in.actionContext())
	return in, nil
}
