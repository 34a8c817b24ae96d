package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

type parsedSSEEvent struct {
	Event string
	Data  domain.Event
}

// readSSEEvent reads frames until the next data frame, skipping pings.
func readSSEEvent(t *testing.T, r *bufio.Reader) parsedSSEEvent {
	t.Helper()
	var ev parsedSSEEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data); err != nil {
				t.Fatalf("invalid event data %q: %v", line, err)
			}
		case line == "" && ev.Event != "":
			return ev
		}
	}
}

func openStream(t *testing.T, ts *httptest.Server, path string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("failed to open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

func TestStreamPaperEvents_InitialStateThenTransitions(t *testing.T) {
	srv, orch := newTestHTTPServer(t, nil, nil)
	ctx := context.Background()
	if _, err := orch.Submit(ctx, "paper-1", "t", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	stream, closeStream := openStream(t, ts, "/api/v1/papers/paper-1/events")
	defer closeStream()

	first := readSSEEvent(t, stream)
	if first.Event != domain.EventTypePaperStatus {
		t.Fatalf("expected initial paper_status event, got %q", first.Event)
	}
	if first.Data.Data == nil || first.Data.Data.Status != domain.PaperStatusUploaded {
		t.Fatalf("expected initial status uploaded, got %+v", first.Data.Data)
	}

	if _, err := orch.TransitionTo(ctx, "paper-1", domain.PaperStatusQueued, "queued by test", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	next := readSSEEvent(t, stream)
	if next.Data.PaperID != "paper-1" || next.Data.Data == nil || next.Data.Data.Status != domain.PaperStatusQueued {
		t.Errorf("expected queued event for paper-1, got %+v", next.Data)
	}
	if next.Data.Data.Progress != 5 {
		t.Errorf("expected progress 5, got %d", next.Data.Data.Progress)
	}
}

func TestStreamEvents_GlobalStreamSeesAllPapers(t *testing.T) {
	srv, orch := newTestHTTPServer(t, nil, nil)
	ctx := context.Background()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	stream, closeStream := openStream(t, ts, "/api/v1/events")
	defer closeStream()

	first := readSSEEvent(t, stream)
	if first.Event != domain.EventTypeSystem {
		t.Fatalf("expected initial system event, got %q", first.Event)
	}

	if _, err := orch.Submit(ctx, "paper-2", "t", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	next := readSSEEvent(t, stream)
	if next.Data.PaperID != "paper-2" {
		t.Errorf("expected event for paper-2, got %+v", next.Data)
	}
}

func TestStreamPaperEvents_ClosesOnDisconnect(t *testing.T) {
	srv, orch := newTestHTTPServer(t, nil, nil)
	if _, err := orch.Submit(context.Background(), "paper-1", "t", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	stream, closeStream := openStream(t, ts, "/api/v1/papers/paper-1/events")
	readSSEEvent(t, stream)
	if n := orch.Bus().ConnectionCount(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}

	closeStream()

	deadline := time.Now().Add(5 * time.Second)
	for orch.Bus().ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected connection to be released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamPaperEvents_NotFound(t *testing.T) {
	srv, _ := newTestHTTPServer(t, nil, nil)

	rr := serveHTTP(srv, http.MethodGet, "/api/v1/papers/missing/events", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}
