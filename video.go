package llmgate

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/billing"
	"github.com/blueberrycongee/llmgate/internal/scheduling"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// SubmitVideo dispatches an async video generation and registers it as a
// billing task with the model's rule frozen at this instant. The returned
// task carries the upstream operation handle for polling.
func (g *Gateway) SubmitVideo(ctx context.Context, req *Request) (*VideoTask, error) {
	if req.ClientSig.Kind != types.KindVideo {
		return nil, gwerrors.NewInvalidRequestError("", req.Model,
			fmt.Sprintf("video submission needs a video signature, got %s", req.ClientSig))
	}

	rule := g.billingRules[req.Model]

	resp, cand, err := g.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	operation, err := operationName(resp.Body)
	if err != nil {
		return nil, gwerrors.NewInternalError(resp.Provider, req.Model, err.Error())
	}

	task, err := g.tasks.Submit(billing.Task{
		ID:         resp.RequestID,
		RequestID:  resp.RequestID,
		Model:      req.Model,
		ProviderID: cand.Provider.ID,
		KeyID:      cand.Key.ID,
		Operation:  operation,
		Dimensions: requestDimensions(req.Body),
	}, rule)
	if err != nil {
		return nil, gwerrors.NewInvalidRequestError(resp.Provider, req.Model, err.Error()).WithCause(err)
	}
	g.videoRoutes.Store(task.ID, cand)
	return task, nil
}

// PollVideo drives a submitted task to completion, checking the upstream
// operation at the configured interval. It blocks until the task is terminal
// or ctx is cancelled; cost evaluation happens at finalization.
func (g *Gateway) PollVideo(ctx context.Context, taskID string) error {
	v, ok := g.videoRoutes.Load(taskID)
	if !ok {
		return fmt.Errorf("no route recorded for task %q", taskID)
	}
	cand := v.(*scheduling.Candidate)
	defer g.videoRoutes.Delete(taskID)

	return g.tasks.Poll(ctx, taskID, func(ctx context.Context, task *billing.Task) (bool, map[string]any, string, error) {
		body, err := g.dispatcher.Operation(ctx, cand, task.Operation)
		if err != nil {
			return false, nil, "", err
		}
		return parseOperation(body)
	})
}

// GetVideoTask returns a copy of a task.
func (g *Gateway) GetVideoTask(taskID string) (VideoTask, bool) {
	return g.tasks.Get(taskID)
}

// CancelVideo cancels a task; nothing is billed.
func (g *Gateway) CancelVideo(taskID string) {
	g.tasks.Cancel(taskID)
	g.videoRoutes.Delete(taskID)
}

// operationName extracts the long-running operation handle from a
// predictLongRunning response.
func operationName(body []byte) (string, error) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Name == "" {
		return "", fmt.Errorf("upstream response carries no operation name")
	}
	return payload.Name, nil
}

// requestDimensions lifts billable dimensions out of the submission body's
// parameters object (durationSeconds, resolution, aspectRatio, sampleCount).
func requestDimensions(body []byte) map[string]any {
	var payload struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	dims := make(map[string]any)
	for _, k := range []string{"durationSeconds", "resolution", "aspectRatio", "sampleCount"} {
		if v, ok := payload.Parameters[k]; ok {
			dims[k] = v
		}
	}
	return dims
}

// parseOperation reads a Gemini operation document. done=false while the
// generation runs; a terminal error document surfaces as an error.
func parseOperation(body []byte) (bool, map[string]any, string, error) {
	var op struct {
		Done  bool `json:"done"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Response struct {
			GenerateVideoResponse struct {
				GeneratedSamples []struct {
					Video struct {
						URI string `json:"uri"`
					} `json:"video"`
				} `json:"generatedSamples"`
			} `json:"generateVideoResponse"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &op); err != nil {
		return false, nil, "", fmt.Errorf("decode operation document: %w", err)
	}
	if op.Error != nil {
		return false, nil, "", fmt.Errorf("upstream operation failed: %s (code %d)", op.Error.Message, op.Error.Code)
	}
	if !op.Done {
		return false, nil, "", nil
	}

	var artifact string
	if samples := op.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
		artifact = samples[0].Video.URI
	}
	return true, nil, artifact, nil
}
