// Package lifecycle implements the paper lifecycle state machine: the legal
// transitions between statuses and the behaviour run on entering a status.
package lifecycle

import (
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// transitions lists the statuses reachable from each status.
var transitions = map[domain.PaperStatus][]domain.PaperStatus{
	domain.PaperStatusUploaded: {
		domain.PaperStatusQueued,
	},
	domain.PaperStatusQueued: {
		domain.PaperStatusUploaded,
		domain.PaperStatusProcessing,
	},
	domain.PaperStatusProcessing: {
		domain.PaperStatusQueued,
		domain.PaperStatusExtractingEntities,
		domain.PaperStatusFailed,
	},
	domain.PaperStatusExtractingEntities: {
		domain.PaperStatusProcessing,
		domain.PaperStatusExtractingRelationships,
		domain.PaperStatusFailed,
	},
	domain.PaperStatusExtractingRelationships: {
		domain.PaperStatusExtractingEntities,
		domain.PaperStatusBuildingKnowledgeGraph,
		domain.PaperStatusFailed,
	},
	domain.PaperStatusBuildingKnowledgeGraph: {
		domain.PaperStatusExtractingRelationships,
		domain.PaperStatusAnalyzed,
		domain.PaperStatusFailed,
	},
	domain.PaperStatusAnalyzed: {
		domain.PaperStatusBuildingKnowledgeGraph,
		domain.PaperStatusImplementationReady,
	},
	domain.PaperStatusImplementationReady: {
		domain.PaperStatusAnalyzed,
	},
	domain.PaperStatusFailed: {
		domain.PaperStatusQueued,
	},
}

// CanTransition reports whether a paper in from may move to to.
func CanTransition(from, to domain.PaperStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s domain.PaperStatus) []domain.PaperStatus {
	out := make([]domain.PaperStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// enterFunc applies the entry behaviour of a state to p, appending exactly
// one history event.
type enterFunc func(p *domain.Paper, reason string, details map[string]interface{}, now time.Time)

// processFunc performs one step of default work and returns the next status.
// Returning the current status means there is nothing to do.
type processFunc func(p *domain.Paper) domain.PaperStatus

// state is the behaviour attached to a status.
type state struct {
	enter   enterFunc
	process processFunc
}

// states holds the behaviour of every status.
var states = map[domain.PaperStatus]state{
	domain.PaperStatusUploaded: {
		enter:   enterStatus(domain.PaperStatusUploaded, "paper uploaded"),
		process: advanceTo(domain.PaperStatusQueued),
	},
	domain.PaperStatusQueued: {
		enter:   enterStatus(domain.PaperStatusQueued, "paper queued for processing"),
		process: advanceTo(domain.PaperStatusProcessing),
	},
	domain.PaperStatusProcessing: {
		enter:   enterStatus(domain.PaperStatusProcessing, "processing started"),
		process: stay,
	},
	domain.PaperStatusExtractingEntities: {
		enter:   enterStatus(domain.PaperStatusExtractingEntities, "extracting entities"),
		process: stay,
	},
	domain.PaperStatusExtractingRelationships: {
		enter:   enterStatus(domain.PaperStatusExtractingRelationships, "extracting relationships"),
		process: stay,
	},
	domain.PaperStatusBuildingKnowledgeGraph: {
		enter:   enterStatus(domain.PaperStatusBuildingKnowledgeGraph, "building knowledge graph"),
		process: stay,
	},
	domain.PaperStatusAnalyzed: {
		enter:   enterAnalyzed,
		process: stay,
	},
	domain.PaperStatusImplementationReady: {
		enter:   enterImplementationReady,
		process: stay,
	},
	domain.PaperStatusFailed: {
		enter:   enterStatus(domain.PaperStatusFailed, "processing failed"),
		process: stay,
	},
}

func enterStatus(status domain.PaperStatus, defaultMessage string) enterFunc {
	return func(p *domain.Paper, reason string, details map[string]interface{}, now time.Time) {
		msg := reason
		if msg == "" {
			msg = defaultMessage
		}
		p.Status = status
		p.AppendEvent(domain.ProcessingEvent{
			Timestamp: now,
			Status:    status,
			Message:   msg,
			Details:   details,
		})
	}
}

func enterAnalyzed(p *domain.Paper, reason string, details map[string]interface{}, now time.Time) {
	enterStatus(domain.PaperStatusAnalyzed, "analysis complete")(p, reason, details, now)
	p.ImplementationReady = false
}

func enterImplementationReady(p *domain.Paper, reason string, details map[string]interface{}, now time.Time) {
	enterStatus(domain.PaperStatusImplementationReady, "implementation ready")(p, reason, details, now)
	p.ImplementationReady = true
}

func advanceTo(next domain.PaperStatus) processFunc {
	return func(*domain.Paper) domain.PaperStatus { return next }
}

func stay(p *domain.Paper) domain.PaperStatus {
	return p.Status
}
