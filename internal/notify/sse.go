package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ErrConnectionClosed is returned by Send after Close.
var ErrConnectionClosed = errors.New("connection closed")

// SSEConnection writes events to an HTTP response as server-sent events.
type SSEConnection struct {
	id      string
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSEConnection prepares w for streaming. It fails if w cannot flush.
func NewSSEConnection(w http.ResponseWriter) (*SSEConnection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEConnection{
		id:      "sse-" + uuid.New().String(),
		w:       w,
		flusher: flusher,
	}, nil
}

// ID returns the connection id.
func (c *SSEConnection) ID() string { return c.id }

// Send writes one event frame. A ctx deadline bounds the write when the
// response writer supports write deadlines, so a client that stopped reading
// cannot stall the sender.
func (c *SSEConnection) Send(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		rc := http.NewResponseController(c.w)
		if rc.SetWriteDeadline(deadline) == nil {
			// Streams run without a write deadline between events.
			defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event.EventType, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Ping writes a comment frame to keep intermediaries from timing out the
// stream.
func (c *SSEConnection) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes. It waits for an in-flight Send, after which
// the response writer is no longer touched.
func (c *SSEConnection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
