// Package dispatch submits pipeline stage tasks to named queues, runs them
// wrapped in the retry policy, and sequences stages into processing chains.
package dispatch

import (
	"runtime"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Stage task names.
const (
	TaskProcessPaper         = "process_paper"
	TaskExtractEntities      = "extract_entities"
	TaskExtractRelationships = "extract_relationships"
	TaskBuildKnowledgeGraph  = "build_knowledge_graph"
)

// Queue names.
const (
	QueuePaperProcessing        = "paper_processing"
	QueueEntityExtraction       = "entity_extraction"
	QueueRelationshipExtraction = "relationship_extraction"
	QueueKnowledgeGraph         = "knowledge_graph"
	QueueDefault                = "default"
)

// MinWorkers is the lower bound on worker pool size.
const MinWorkers = 2

var routes = map[string]string{
	TaskProcessPaper:         QueuePaperProcessing,
	TaskExtractEntities:      QueueEntityExtraction,
	TaskExtractRelationships: QueueRelationshipExtraction,
	TaskBuildKnowledgeGraph:  QueueKnowledgeGraph,
}

// ChainStages is the fixed order of stages in a processing chain.
var ChainStages = []string{
	TaskProcessPaper,
	TaskExtractEntities,
	TaskExtractRelationships,
	TaskBuildKnowledgeGraph,
}

// stageStatus is the paper status a stage runs in.
var stageStatus = map[string]domain.PaperStatus{
	TaskProcessPaper:         domain.PaperStatusProcessing,
	TaskExtractEntities:      domain.PaperStatusExtractingEntities,
	TaskExtractRelationships: domain.PaperStatusExtractingRelationships,
	TaskBuildKnowledgeGraph:  domain.PaperStatusBuildingKnowledgeGraph,
}

// QueueFor returns the queue a task is routed to. Unknown task names go to
// the default queue.
func QueueFor(name string) string {
	if q, ok := routes[name]; ok {
		return q
	}
	return QueueDefault
}

// StageStatus returns the paper status a stage runs in.
func StageStatus(name string) (domain.PaperStatus, bool) {
	s, ok := stageStatus[name]
	return s, ok
}

// QueuePriorities returns the weight of each queue for a queue server.
// Later stages get more weight so papers already in flight finish first.
func QueuePriorities() map[string]int {
	return map[string]int{
		QueueKnowledgeGraph:         4,
		QueueRelationshipExtraction: 3,
		QueueEntityExtraction:       3,
		QueuePaperProcessing:        2,
		QueueDefault:                1,
	}
}

// WorkerCount returns the worker pool size. A positive configured value is
// used as is; otherwise it is twice GOMAXPROCS. Never below MinWorkers.
func WorkerCount(configured int) int {
	n := configured
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	if n < MinWorkers {
		n = MinWorkers
	}
	return n
}
