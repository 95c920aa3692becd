package schemas

// RolloutStatus is the lifecycle state of a rollout. It is derived from the
// status of the rollout's latest attempt, except for cancellation.
type RolloutStatus string

const (
	RolloutQueuing   RolloutStatus = "queuing"
	RolloutPreparing RolloutStatus = "preparing"
	RolloutRunning   RolloutStatus = "running"
	RolloutSucceeded RolloutStatus = "succeeded"
	RolloutFailed    RolloutStatus = "failed"
	RolloutRequeuing RolloutStatus = "requeuing"
	RolloutCancelled RolloutStatus = "cancelled"
)

var rolloutStatuses = map[RolloutStatus]bool{
	RolloutQueuing: false, RolloutPreparing: false, RolloutRunning: false,
	RolloutSucceeded: true, RolloutFailed: true, RolloutRequeuing: false, RolloutCancelled: true,
}

func (s RolloutStatus) Valid() bool {
	_, ok := rolloutStatuses[s]
	return ok
}

// Terminal reports whether no further transition is expected.
func (s RolloutStatus) Terminal() bool { return rolloutStatuses[s] }

// Dequeueable reports whether a rollout in this status may be handed to a runner.
func (s RolloutStatus) Dequeueable() bool {
	return s == RolloutQueuing || s == RolloutRequeuing
}

// TerminalRolloutStatuses lists the statuses wait_for_rollouts treats as finished.
func TerminalRolloutStatuses() []RolloutStatus {
	return []RolloutStatus{RolloutSucceeded, RolloutFailed, RolloutCancelled}
}

type AttemptStatus string

const (
	AttemptPreparing    AttemptStatus = "preparing"
	AttemptRunning      AttemptStatus = "running"
	AttemptSucceeded    AttemptStatus = "succeeded"
	AttemptFailed       AttemptStatus = "failed"
	AttemptRequeuing    AttemptStatus = "requeuing"
	AttemptTimeout      AttemptStatus = "timeout"
	AttemptUnresponsive AttemptStatus = "unresponsive"
	AttemptCancelled    AttemptStatus = "cancelled"
)

var attemptStatuses = map[AttemptStatus]bool{
	AttemptPreparing: false, AttemptRunning: false, AttemptSucceeded: true,
	AttemptFailed: true, AttemptRequeuing: false, AttemptTimeout: true,
	AttemptUnresponsive: true, AttemptCancelled: true,
}

func (s AttemptStatus) Valid() bool {
	_, ok := attemptStatuses[s]
	return ok
}

func (s AttemptStatus) Terminal() bool { return attemptStatuses[s] }

type RolloutMode string

const (
	ModeTrain RolloutMode = "train"
	ModeVal   RolloutMode = "val"
	ModeTest  RolloutMode = "test"
)

func (m RolloutMode) Valid() bool {
	return m == ModeTrain || m == ModeVal || m == ModeTest
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerUnknown WorkerStatus = "unknown"
)
