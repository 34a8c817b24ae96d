package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

const maxPaperIDLength = 128

type createPaperRequest struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Process starts the processing chain right after upload.
	Process bool `json:"process,omitempty"`
}

type processPaperRequest struct {
	Args map[string]interface{} `json:"args,omitempty"`
}

type requeuePaperRequest struct {
	Reason string `json:"reason,omitempty"`
}

type transitionPaperRequest struct {
	Status  string                 `json:"status"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// paperIDParam reads and checks the paperID path parameter.
func paperIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "paperID")
	if id == "" || len(id) > maxPaperIDLength {
		writeError(w, http.StatusBadRequest, "invalid paper_id")
		return "", false
	}
	return id, true
}

// createPaper handles POST /papers.
func (s *Server) createPaper(w http.ResponseWriter, r *http.Request) {
	var req createPaperRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if len(req.ID) > maxPaperIDLength {
		writeError(w, http.StatusBadRequest, "id is too long")
		return
	}

	paper, err := s.orch.Submit(r.Context(), req.ID, strings.TrimSpace(req.Title), req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Process {
		if _, err := s.orch.StartProcessing(r.Context(), paper.ID, nil); err != nil {
			writeDomainError(w, err)
			return
		}
		if paper, err = s.orch.Paper(r.Context(), paper.ID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, domainPaperToResponse(paper, time.Now().UTC()))
}

// getPaper handles GET /papers/{paperID}.
func (s *Server) getPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	paper, err := s.orch.Paper(r.Context(), paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPaperToResponse(paper, time.Now().UTC()))
}

// processPaper handles POST /papers/{paperID}/process.
func (s *Server) processPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	var req processPaperRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := s.orch.StartProcessing(r.Context(), paperID, req.Args); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, processResponse{
		PaperID: paperID,
		Status:  string(domain.PaperStatusProcessing),
		Message: "processing started",
	})
}

// requeuePaper handles POST /papers/{paperID}/requeue.
func (s *Server) requeuePaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	var req requeuePaperRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := s.orch.Requeue(r.Context(), paperID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, processResponse{
		PaperID: paperID,
		Status:  string(domain.PaperStatusProcessing),
		Message: "paper requeued",
	})
}

// transitionPaper handles POST /papers/{paperID}/status. It is how reviewers
// mark analyzed papers implementation ready and back.
func (s *Server) transitionPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	var req transitionPaperRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := domain.PaperStatus(strings.TrimSpace(req.Status))
	if !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	paper, err := s.orch.TransitionTo(r.Context(), paperID, status, req.Reason, req.Details)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPaperToResponse(paper, time.Now().UTC()))
}

// cancelProcessing handles DELETE /papers/{paperID}/processing.
func (s *Server) cancelProcessing(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{PaperID: paperID, Canceled: s.orch.Cancel(paperID)})
}

// getPaperTasks handles GET /papers/{paperID}/tasks.
func (s *Server) getPaperTasks(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	report, err := s.orch.Tasks(r.Context(), paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
