package connectors

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	"github.com/bedah-kym/chatcore/pkg/qstash"
)

var (
	_ contractx.WorkflowStarter = (*QStashStarter)(nil)
	_ contractx.Deferrable      = (*WorkflowConnector)(nil)
)

// QStashStarter starts workflows by publishing their trigger payload to
// the workflow endpoint through QStash.
type QStashStarter struct {
	client  *qstash.Client
	baseURL string
}

func NewQStashStarter(client *qstash.Client, workflowBaseURL string) (*QStashStarter, error) {
	workflowBaseURL = strings.TrimRight(strings.TrimSpace(workflowBaseURL), "/")
	if workflowBaseURL == "" {
		return nil, fmt.Errorf("%w: workflow base URL is required", contractx.ErrValidation)
	}
	return &QStashStarter{client: client, baseURL: workflowBaseURL}, nil
}

func (s *QStashStarter) StartWorkflow(ctx context.Context, workflowID string, triggerData map[string]any) (string, error) {
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	// Publish marshals the payload itself; handing it pre-encoded
	// bytes would deliver a base64 JSON string to the engine.
	messageID, err := s.client.Publish(ctx, s.baseURL+"/"+workflowID, triggerData)
	if err != nil {
		return "", fmt.Errorf("start workflow %s: %w", workflowID, err)
	}
	return messageID, nil
}

// WorkflowConnector handles the workflow.trigger action. It is
// deferrable: when the start fails inline, the router persists the call
// and the retry engine keeps trying.
type WorkflowConnector struct {
	starter contractx.WorkflowStarter
}

func NewWorkflowConnector(starter contractx.WorkflowStarter) *WorkflowConnector {
	return &WorkflowConnector{starter: starter}
}

func (c *WorkflowConnector) Execute(ctx context.Context, params map[string]any, actx contractx.ActionContext) (contractx.RouterResult, error) {
	workflowID, ok := workflowName(params)
	if !ok {
		return contractx.RouterResult{}, fmt.Errorf("%w: workflow name is required", contractx.ErrValidation)
	}

	executionID, err := c.starter.StartWorkflow(ctx, workflowID, triggerData(params, actx))
	if err != nil {
		return contractx.RouterResult{}, err
	}
	return contractx.RouterResult{
		Status:  contractx.StatusSuccess,
		Message: fmt.Sprintf("Workflow %q is running.", workflowID),
		Data:    map[string]any{"execution_id": executionID},
	}, nil
}

// Deferral replays the same call the inline attempt would have made.
func (c *WorkflowConnector) Deferral(params map[string]any, actx contractx.ActionContext) (string, map[string]any, bool) {
	workflowID, ok := workflowName(params)
	if !ok {
		return "", nil, false
	}
	return workflowID, triggerData(params, actx), true
}

func workflowName(params map[string]any) (string, bool) {
	name, _ := params["workflow"].(string)
	name = strings.TrimSpace(name)
	return name, name != ""
}

func triggerData(params map[string]any, actx contractx.ActionContext) map[string]any {
	data := map[string]any{"user_id": actx.UserID, "room_id": actx.RoomID}
	for k, v := range params {
		if k == "workflow" {
			continue
		}
		data[k] = v
	}
	return data
}
