package dispatch

import (
	"strings"

	"github.com/hibiken/asynq"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// External executor status strings.
const (
	ExternalSuccess = "SUCCESS"
	ExternalFailure = "FAILURE"
	ExternalPending = "PENDING"
	ExternalStarted = "STARTED"
	ExternalRetry   = "RETRY"
	ExternalRevoked = "REVOKED"
)

// MapExternalStatus converts an executor status string to a TaskStatus.
// Unknown values map to in_progress.
func MapExternalStatus(status string) domain.TaskStatus {
	switch strings.ToUpper(status) {
	case ExternalSuccess:
		return domain.TaskStatusCompleted
	case ExternalFailure:
		return domain.TaskStatusFailed
	case ExternalRevoked:
		return domain.TaskStatusCanceled
	case ExternalPending, ExternalStarted, ExternalRetry:
		return domain.TaskStatusInProgress
	default:
		return domain.TaskStatusInProgress
	}
}

// ExternalStatusFromAsynq converts an asynq task state to the executor
// status vocabulary understood by MapExternalStatus.
func ExternalStatusFromAsynq(state asynq.TaskState) string {
	switch state {
	case asynq.TaskStateCompleted:
		return ExternalSuccess
	case asynq.TaskStateArchived:
		return ExternalFailure
	case asynq.TaskStateActive:
		return ExternalStarted
	case asynq.TaskStateRetry:
		return ExternalRetry
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		return ExternalPending
	default:
		return state.String()
	}
}
