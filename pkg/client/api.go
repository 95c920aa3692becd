package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"lightning-store/pkg/schemas"
)

func (c *Client) EnqueueRollout(ctx context.Context, req schemas.EnqueueRolloutRequest) (*schemas.Rollout, error) {
	var out schemas.Rollout
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/rollouts/enqueue", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartRollout(ctx context.Context, req schemas.StartRolloutRequest) (*schemas.AttemptedRollout, error) {
	var out schemas.AttemptedRollout
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/rollouts/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DequeueRollout returns nil when the queue is empty or the server is
// unreachable.
func (c *Client) DequeueRollout(ctx context.Context, workerID *string) (*schemas.AttemptedRollout, error) {
	var out *schemas.AttemptedRollout
	err := c.read(ctx, http.MethodPost, apiPrefix+"/rollouts/dequeue", schemas.DequeueRolloutRequest{WorkerID: workerID}, &out)
	return out, err
}

func (c *Client) UpdateRollout(ctx context.Context, rolloutID string, req schemas.UpdateRolloutRequest) (*schemas.Rollout, error) {
	var out schemas.Rollout
	if err := c.call(ctx, http.MethodPatch, apiPrefix+"/rollouts/"+url.PathEscape(rolloutID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRolloutByID(ctx context.Context, rolloutID string) (*schemas.Rollout, error) {
	var out *schemas.Rollout
	err := c.read(ctx, http.MethodGet, apiPrefix+"/rollouts/"+url.PathEscape(rolloutID), nil, &out)
	return out, err
}

func (c *Client) QueryRollouts(ctx context.Context, req schemas.QueryRolloutsRequest) ([]schemas.Rollout, error) {
	q := url.Values{}
	for _, st := range req.StatusIn {
		q.Add("status_in", string(st))
	}
	for _, id := range req.RolloutIDIn {
		q.Add("rollout_id_in", id)
	}
	var out []schemas.Rollout
	err := c.read(ctx, http.MethodGet, withQuery(apiPrefix+"/rollouts", q), nil, &out)
	return out, err
}

// WaitForRollouts polls the server with zero-timeout waits until every
// rollout is terminal or timeout elapses, so no request is held open.
func (c *Client) WaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]schemas.Rollout, error) {
	deadline := time.Now().Add(timeout)
	for {
		var out []schemas.Rollout
		err := c.read(ctx, http.MethodPost, apiPrefix+"/rollouts/wait",
			schemas.WaitForRolloutsRequest{RolloutIDs: rolloutIDs}, &out)
		if err != nil {
			return nil, err
		}
		if len(out) >= len(rolloutIDs) || timeout <= 0 || !time.Now().Before(deadline) {
			return out, nil
		}

		wait := c.poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return out, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) QueueLength(ctx context.Context) (int64, error) {
	var out schemas.QueueLengthResponse
	err := c.read(ctx, http.MethodGet, apiPrefix+"/queue", nil, &out)
	return out.Length, err
}

func (c *Client) UpdateAttempt(ctx context.Context, rolloutID, attemptID string, req schemas.UpdateAttemptRequest) (*schemas.Attempt, error) {
	var out schemas.Attempt
	path := apiPrefix + "/rollouts/" + url.PathEscape(rolloutID) + "/attempts/" + url.PathEscape(attemptID)
	if err := c.call(ctx, http.MethodPatch, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueryAttempts(ctx context.Context, rolloutID string) ([]schemas.Attempt, error) {
	var out []schemas.Attempt
	err := c.read(ctx, http.MethodGet, apiPrefix+"/rollouts/"+url.PathEscape(rolloutID)+"/attempts", nil, &out)
	return out, err
}

func (c *Client) GetLatestAttempt(ctx context.Context, rolloutID string) (*schemas.Attempt, error) {
	var out *schemas.Attempt
	err := c.read(ctx, http.MethodGet, apiPrefix+"/rollouts/"+url.PathEscape(rolloutID)+"/attempts/latest", nil, &out)
	return out, err
}

func (c *Client) AddSpan(ctx context.Context, span schemas.Span) (*schemas.Span, error) {
	var out schemas.Span
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/spans", span, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetNextSpanSequenceID(ctx context.Context, rolloutID, attemptID string) (int64, error) {
	var out schemas.NextSequenceIDResponse
	req := schemas.NextSequenceIDRequest{RolloutID: rolloutID, AttemptID: attemptID}
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/spans/next-sequence-id", req, &out); err != nil {
		return 0, err
	}
	return out.SequenceID, nil
}

func (c *Client) QuerySpans(ctx context.Context, rolloutID, attemptID string) ([]schemas.Span, error) {
	q := url.Values{"rollout_id": {rolloutID}}
	if attemptID != "" {
		q.Set("attempt_id", attemptID)
	}
	var out []schemas.Span
	err := c.read(ctx, http.MethodGet, withQuery(apiPrefix+"/spans", q), nil, &out)
	return out, err
}

func (c *Client) ArchiveSpans(ctx context.Context, rolloutID string) (string, error) {
	var out schemas.ArchiveResponse
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/rollouts/"+url.PathEscape(rolloutID)+"/archive", nil, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

func (c *Client) UpdateResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error) {
	var out schemas.ResourcesUpdate
	req := schemas.UpdateResourcesRequest{Bucket: bucket, Resources: resources}
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/resources", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error) {
	var out schemas.ResourcesUpdate
	req := schemas.UpdateResourcesRequest{Bucket: bucket, Resources: resources}
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/resources/add", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetResourcesByID(ctx context.Context, resourcesID string) (*schemas.ResourcesUpdate, error) {
	var out *schemas.ResourcesUpdate
	err := c.read(ctx, http.MethodGet, apiPrefix+"/resources/"+url.PathEscape(resourcesID), nil, &out)
	return out, err
}

func (c *Client) GetLatestResources(ctx context.Context, bucket string) (*schemas.ResourcesUpdate, error) {
	q := url.Values{}
	if bucket != "" {
		q.Set("bucket", bucket)
	}
	var out *schemas.ResourcesUpdate
	err := c.read(ctx, http.MethodGet, withQuery(apiPrefix+"/resources/latest", q), nil, &out)
	return out, err
}

func (c *Client) QueryResources(ctx context.Context, bucket string) ([]schemas.ResourcesUpdate, error) {
	q := url.Values{}
	if bucket != "" {
		q.Set("bucket", bucket)
	}
	var out []schemas.ResourcesUpdate
	err := c.read(ctx, http.MethodGet, withQuery(apiPrefix+"/resources", q), nil, &out)
	return out, err
}

func (c *Client) UpdateWorker(ctx context.Context, workerID string, req schemas.UpdateWorkerRequest) (*schemas.Worker, error) {
	var out schemas.Worker
	if err := c.call(ctx, http.MethodPost, apiPrefix+"/workers/"+url.PathEscape(workerID)+"/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetWorkerByID(ctx context.Context, workerID string) (*schemas.Worker, error) {
	var out *schemas.Worker
	err := c.read(ctx, http.MethodGet, apiPrefix+"/workers/"+url.PathEscape(workerID), nil, &out)
	return out, err
}

func (c *Client) QueryWorkers(ctx context.Context, status []schemas.WorkerStatus) ([]schemas.Worker, error) {
	q := url.Values{}
	for _, st := range status {
		q.Add("status", string(st))
	}
	var out []schemas.Worker
	err := c.read(ctx, http.MethodGet, withQuery(apiPrefix+"/workers", q), nil, &out)
	return out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
