package httpserver

import (
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type eventResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type paperResponse struct {
	ID                  string                 `json:"id"`
	Title               string                 `json:"title"`
	Status              string                 `json:"status"`
	ImplementationReady bool                   `json:"implementation_ready"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	History             []eventResponse        `json:"history"`
	TimeInStages        map[string]string      `json:"time_in_stages"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

type processResponse struct {
	PaperID string `json:"paper_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type cancelResponse struct {
	PaperID  string `json:"paper_id"`
	Canceled bool   `json:"canceled"`
}

func domainPaperToResponse(p *domain.Paper, now time.Time) paperResponse {
	history := make([]eventResponse, len(p.History))
	for i, ev := range p.History {
		history[i] = eventResponse{
			Timestamp: ev.Timestamp,
			Status:    string(ev.Status),
			Message:   ev.Message,
			Details:   ev.Details,
		}
	}

	stages := p.TimeInStages(now)
	timeInStages := make(map[string]string, len(stages))
	for status, d := range stages {
		timeInStages[string(status)] = d.String()
	}

	return paperResponse{
		ID:                  p.ID,
		Title:               p.Title,
		Status:              string(p.Status),
		ImplementationReady: p.ImplementationReady,
		Metadata:            p.Metadata,
		History:             history,
		TimeInStages:        timeInStages,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}
