package schemas

import (
	"encoding/json"
	"time"
)

// RolloutConfig is the per-rollout retry and liveness policy.
type RolloutConfig struct {
	// TimeoutSeconds bounds the wall time of one attempt, measured from its start.
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	// UnresponsiveSeconds bounds the gap since the attempt's last heartbeat.
	UnresponsiveSeconds *float64        `json:"unresponsive_seconds"`
	MaxAttempts         int             `json:"max_attempts"`
	RetryCondition      []AttemptStatus `json:"retry_condition"`
}

// DefaultRolloutConfig is a single attempt with no liveness checks.
func DefaultRolloutConfig() RolloutConfig {
	return RolloutConfig{MaxAttempts: 1, RetryCondition: []AttemptStatus{}}
}

// Retries reports whether status is listed in the retry condition.
func (c RolloutConfig) Retries(status AttemptStatus) bool {
	for _, s := range c.RetryCondition {
		if s == status {
			return true
		}
	}
	return false
}

type Rollout struct {
	RolloutID   string          `json:"rollout_id"`
	Input       json.RawMessage `json:"input"`
	Mode        *RolloutMode    `json:"mode"`
	Status      RolloutStatus   `json:"status"`
	StartTime   float64         `json:"start_time"`
	EndTime     *float64        `json:"end_time"`
	ResourcesID *string         `json:"resources_id"`
	Config      RolloutConfig   `json:"config"`
	Metadata    map[string]any  `json:"metadata"`
}

func (r Rollout) DocumentKey() string  { return r.RolloutID }
func (r Rollout) PartitionKey() string { return r.RolloutID }

func (r Rollout) Field(name string) any {
	switch name {
	case "rollout_id":
		return r.RolloutID
	case "status":
		return string(r.Status)
	case "mode":
		if r.Mode == nil {
			return nil
		}
		return string(*r.Mode)
	case "resources_id":
		if r.ResourcesID == nil {
			return nil
		}
		return *r.ResourcesID
	case "start_time":
		return r.StartTime
	}
	return nil
}

type Attempt struct {
	RolloutID         string         `json:"rollout_id"`
	AttemptID         string         `json:"attempt_id"`
	SequenceID        int64          `json:"sequence_id"`
	Status            AttemptStatus  `json:"status"`
	WorkerID          *string        `json:"worker_id"`
	StartTime         float64        `json:"start_time"`
	EndTime           *float64       `json:"end_time"`
	LastHeartbeatTime *float64       `json:"last_heartbeat_time"`
	Metadata          map[string]any `json:"metadata"`
}

func (a Attempt) DocumentKey() string  { return a.AttemptID }
func (a Attempt) PartitionKey() string { return a.RolloutID }

func (a Attempt) Field(name string) any {
	switch name {
	case "rollout_id":
		return a.RolloutID
	case "attempt_id":
		return a.AttemptID
	case "sequence_id":
		return a.SequenceID
	case "status":
		return string(a.Status)
	case "start_time":
		return a.StartTime
	}
	return nil
}

// AttemptedRollout is a rollout bound to the attempt a runner should execute.
type AttemptedRollout struct {
	Rollout
	Attempt Attempt `json:"attempt"`
}

// Timestamp converts t to the float seconds used on the wire.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
