package nodes

import (
	"context"
	"fmt"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// ClassifyIntent interprets the message. A quota-denied message skips
// classification entirely.
func ClassifyIntent(ctx context.Context, in *GraphState, classifier Classifier) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.QuotaDenied {
		return in, nil
	}

	in.Intent = classifier.Classify(ctx, in.Text)
	return in, nil
}
