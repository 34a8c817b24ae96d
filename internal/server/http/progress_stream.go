package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/notify"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
)

// streamEvents handles GET /events, streaming every event on the bus,
// paper-scoped ones included.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "")
}

// streamPaperEvents handles GET /papers/{paperID}/events, streaming one
// paper's events.
func (s *Server) streamPaperEvents(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.orch.Paper(r.Context(), paperID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.stream(w, r, paperID)
}

// stream registers an SSE connection with the bus for the lifetime of the
// request. The first event sent is the current paper status, or a system
// event for the global stream.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, paperID string) {
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := notify.NewSSEConnection(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer conn.Close()

	bus := s.orch.Bus()
	bus.Connect(conn, paperID)
	if paperID == "" {
		bus.Tap(conn)
	}
	defer bus.Disconnect(conn)

	logger := s.logger.With().Str("connection_id", conn.ID()).Str("paper_id", paperID).Logger()
	logger.Debug().Msg("event stream opened")

	bus.SendPersonalMessage(conn, s.initialEvent(r.Context(), paperID))

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.MaxStreamDuration)
	defer cancel()
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("event stream closed")
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) initialEvent(ctx context.Context, paperID string) domain.Event {
	if paperID == "" {
		return domain.NewSystemEvent("event stream started", nil)
	}
	paper, err := s.orch.Paper(ctx, paperID)
	if err != nil {
		return domain.NewSystemEvent("event stream started", map[string]interface{}{"paper_id": paperID})
	}
	message := ""
	if ev := paper.LastEvent(); ev != nil {
		message = ev.Message
	}
	return domain.NewPaperStatusEvent(paperID, paper.Status, message, pipeline.StatusProgress(paper.Status), nil)
}
