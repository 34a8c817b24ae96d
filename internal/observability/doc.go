// Package observability provides logging and metrics support for the paper
// pipeline service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for transitions, tasks, retries, chains and the
//     notification bus
//   - Context helpers for propagating observability data
//   - An adapter exposing zerolog through the asynq logger interface
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:   "info",
//	    Format:  "json",
//	    Output:  "stdout",
//	    Process: "worker",
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("paper_id", paperID).Msg("paper queued")
//
// Add paper or task context to a logger:
//
//	logger = observability.WithPaperContext(logger, paperID, status)
//	logger = observability.WithTaskContext(logger, taskID, taskName, queue)
//
// # Metrics
//
//	metrics := observability.NewMetrics("paper_pipeline")
//	metrics.RecordTransition("queued", "processing")
//	metrics.RecordTaskFailed("extract_entities", "entity_extraction", "transient")
//
// # Standard Fields
//
//   - service, process: set on every line by NewLogger
//   - paper_id: Paper identifier
//   - status: Paper lifecycle status
//   - task_id: Dispatcher task identifier
//   - task_name: Stage name (process_paper, extract_entities, ...)
//   - queue: Queue the task was routed to
//   - connection_id: Notification bus connection identifier
//   - request_id: HTTP request identifier
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
