package dispatch

import (
	"runtime"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

func TestQueueFor(t *testing.T) {
	tests := []struct {
		name  string
		queue string
	}{
		{TaskProcessPaper, QueuePaperProcessing},
		{TaskExtractEntities, QueueEntityExtraction},
		{TaskExtractRelationships, QueueRelationshipExtraction},
		{TaskBuildKnowledgeGraph, QueueKnowledgeGraph},
		{"summarize", QueueDefault},
		{"", QueueDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.queue, QueueFor(tt.name))
		})
	}
}

func TestStageStatus(t *testing.T) {
	s, ok := StageStatus(TaskExtractRelationships)
	assert.True(t, ok)
	assert.Equal(t, domain.PaperStatusExtractingRelationships, s)

	_, ok = StageStatus("unknown")
	assert.False(t, ok)

	for _, stage := range ChainStages {
		s, ok := StageStatus(stage)
		assert.True(t, ok, stage)
		assert.True(t, s.IsProcessingStage(), stage)
	}
}

func TestQueuePriorities_CoverAllQueues(t *testing.T) {
	p := QueuePriorities()
	for _, stage := range ChainStages {
		assert.Contains(t, p, QueueFor(stage))
	}
	assert.Contains(t, p, QueueDefault)
	assert.Greater(t, p[QueueKnowledgeGraph], p[QueuePaperProcessing])
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 7, WorkerCount(7))
	assert.Equal(t, MinWorkers, WorkerCount(1))

	want := 2 * runtime.GOMAXPROCS(0)
	if want < MinWorkers {
		want = MinWorkers
	}
	assert.Equal(t, want, WorkerCount(0))
	assert.Equal(t, want, WorkerCount(-3))
}

func TestMapExternalStatus(t *testing.T) {
	tests := []struct {
		in   string
		want domain.TaskStatus
	}{
		{"SUCCESS", domain.TaskStatusCompleted},
		{"success", domain.TaskStatusCompleted},
		{"FAILURE", domain.TaskStatusFailed},
		{"REVOKED", domain.TaskStatusCanceled},
		{"PENDING", domain.TaskStatusInProgress},
		{"STARTED", domain.TaskStatusInProgress},
		{"RETRY", domain.TaskStatusInProgress},
		{"SOMETHING_ELSE", domain.TaskStatusInProgress},
		{"", domain.TaskStatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MapExternalStatus(tt.in))
		})
	}
}

func TestExternalStatusFromAsynq(t *testing.T) {
	assert.Equal(t, ExternalSuccess, ExternalStatusFromAsynq(asynq.TaskStateCompleted))
	assert.Equal(t, ExternalFailure, ExternalStatusFromAsynq(asynq.TaskStateArchived))
	assert.Equal(t, ExternalStarted, ExternalStatusFromAsynq(asynq.TaskStateActive))
	assert.Equal(t, ExternalRetry, ExternalStatusFromAsynq(asynq.TaskStateRetry))
	assert.Equal(t, ExternalPending, ExternalStatusFromAsynq(asynq.TaskStatePending))
	assert.Equal(t, ExternalPending, ExternalStatusFromAsynq(asynq.TaskStateScheduled))
}
