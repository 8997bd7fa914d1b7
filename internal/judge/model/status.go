package model

// Status is the lifecycle state of a grading run.
type Status string

const (
	// StatusPending is recorded between acceptance and the first test case.
	// It is never emitted as a progress event.
	StatusPending Status = "PENDING"

	StatusRunning      Status = "RUNNING"
	StatusAccepted     Status = "ACCEPTED"
	StatusWrongAnswer  Status = "WRONG_ANSWER"
	StatusRuntimeError Status = "RUNTIME_ERROR"
	StatusError        Status = "ERROR"
)

// Terminal reports whether s is a final verdict status.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusRuntimeError, StatusError:
		return true
	default:
		return false
	}
}

// Progress channel event names.
const (
	EventUpdate = "submission:update"
	EventResult = "submission:result"
)
