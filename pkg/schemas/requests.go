package schemas

import "encoding/json"

type EnqueueRolloutRequest struct {
	Input       json.RawMessage `json:"input"`
	Mode        *RolloutMode    `json:"mode,omitempty"`
	ResourcesID *string         `json:"resources_id,omitempty"`
	Config      *RolloutConfig  `json:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type StartRolloutRequest struct {
	EnqueueRolloutRequest
	WorkerID *string `json:"worker_id,omitempty"`
}

type DequeueRolloutRequest struct {
	WorkerID *string `json:"worker_id,omitempty"`
}

// UpdateRolloutRequest patches a rollout; nil fields are left unchanged.
type UpdateRolloutRequest struct {
	Status      *RolloutStatus  `json:"status,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Mode        *RolloutMode    `json:"mode,omitempty"`
	ResourcesID *string         `json:"resources_id,omitempty"`
	Config      *RolloutConfig  `json:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// UpdateAttemptRequest patches an attempt; nil fields are left unchanged.
type UpdateAttemptRequest struct {
	Status            *AttemptStatus `json:"status,omitempty"`
	WorkerID          *string        `json:"worker_id,omitempty"`
	LastHeartbeatTime *float64       `json:"last_heartbeat_time,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type QueryRolloutsRequest struct {
	StatusIn    []RolloutStatus `json:"status_in,omitempty"`
	RolloutIDIn []string        `json:"rollout_id_in,omitempty"`
}

type WaitForRolloutsRequest struct {
	RolloutIDs []string `json:"rollout_ids"`
	// Timeout in seconds; zero polls once.
	Timeout float64 `json:"timeout"`
}

type NextSequenceIDRequest struct {
	RolloutID string `json:"rollout_id"`
	AttemptID string `json:"attempt_id"`
}

type NextSequenceIDResponse struct {
	SequenceID int64 `json:"sequence_id"`
}

type UpdateResourcesRequest struct {
	Bucket    string         `json:"bucket,omitempty"`
	Resources NamedResources `json:"resources"`
}

type UpdateWorkerRequest struct {
	HeartbeatStats map[string]any `json:"heartbeat_stats,omitempty"`
}

type ArchiveResponse struct {
	Ref string `json:"ref"`
}

type QueueLengthResponse struct {
	Length int64 `json:"length"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
