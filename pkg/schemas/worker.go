package schemas

// Worker is a runner identity tracked through heartbeats. Workers are never
// deleted; stale ones are marked unknown.
type Worker struct {
	WorkerID          string         `json:"worker_id"`
	Status            WorkerStatus   `json:"status"`
	HeartbeatStats    map[string]any `json:"heartbeat_stats"`
	LastHeartbeatTime *float64       `json:"last_heartbeat_time"`
	LastDequeueTime   *float64       `json:"last_dequeue_time"`
	LastBusyTime      *float64       `json:"last_busy_time"`
	LastIdleTime      *float64       `json:"last_idle_time"`
	CurrentRolloutID  *string        `json:"current_rollout_id"`
	CurrentAttemptID  *string        `json:"current_attempt_id"`
}

func (w Worker) DocumentKey() string  { return w.WorkerID }
func (w Worker) PartitionKey() string { return w.WorkerID }

func (w Worker) Field(name string) any {
	switch name {
	case "worker_id":
		return w.WorkerID
	case "status":
		return string(w.Status)
	}
	return nil
}
