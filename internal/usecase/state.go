package usecase

import "github.com/example/shyguy/internal/blob"

// Status names the variant of a RequestState.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// MosaicResult is a processed image held by the orchestrator. Handle stays
// valid until the orchestrator supersedes it or is reset.
type MosaicResult struct {
	Handle        blob.Handle
	FacesDetected int
	MediaType     string
}

// RequestState is a snapshot of the orchestrator. AttemptID is set while
// Loading and on the outcome of an attempt; Result only on Success; Message
// only on Failed. Snapshots are values and must be treated as read-only.
type RequestState struct {
	Status    Status
	AttemptID string
	Result    *MosaicResult
	Message   string
}

func idleState() RequestState {
	return RequestState{Status: StatusIdle}
}

func loadingState(attemptID string) RequestState {
	return RequestState{Status: StatusLoading, AttemptID: attemptID}
}

func successState(attemptID string, result *MosaicResult) RequestState {
	return RequestState{Status: StatusSuccess, AttemptID: attemptID, Result: result}
}

func failedState(attemptID, message string) RequestState {
	return RequestState{Status: StatusFailed, AttemptID: attemptID, Message: message}
}

// Terminal reports whether s is the outcome of an attempt.
func (s RequestState) Terminal() bool {
	return s.Status == StatusSuccess || s.Status == StatusFailed
}
