package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/avatarr/internal/progress"
)

// ProgressHandler serves the per-task SSE event stream.
type ProgressHandler struct {
	hub    *progress.Hub
	logger *slog.Logger
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(hub *progress.Hub, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		hub:    hub,
		logger: logger.With(slog.String("component", "progress-handler")),
	}
}

// RegisterSSE registers the SSE endpoint on a chi router.
// This is separate from the Huma API because Huma doesn't support SSE
// streaming natively.
func (h *ProgressHandler) RegisterSSE(router chi.Router) {
	router.Get("/api/v1/tasks/{task_id}/events", h.handleSSEEvents)
}

// HandleSSEEvents is the raw HTTP handler for SSE streaming.
// Exported for direct use with custom routers.
func (h *ProgressHandler) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	h.handleSSEEvents(w, r)
}

// handleSSEEvents streams a task's progress events until the stream
// terminates or the client disconnects. A ?cursor=N query resumes after
// sequence N; reconnecting past the retained history window yields a gap
// marker before the live events.
func (h *ProgressHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	cursor := int64(-1)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "cursor must be a non-negative integer", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	events, subID, err := h.hub.SubscribeFrom(taskID, cursor)
	if err != nil {
		if errors.Is(err, progress.ErrUnknownTask) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "subscribing to task events", http.StatusInternalServerError)
		return
	}
	if subID != "" {
		defer h.hub.Unsubscribe(taskID, subID)
	}

	// Set CORS headers for cross-origin requests.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Use ResponseController for reliable flushing with error handling.
	rc := http.NewResponseController(w)

	ctx := r.Context()

	// Send initial comment to establish connection and trigger onopen in
	// the browser.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// Stream reached a terminal event and the hub closed it.
				return
			}
			if _, err := h.writeSSEEvent(w, taskID, event); err != nil {
				h.logger.Error("failed to write SSE event",
					slog.String("task_id", taskID),
					slog.String("kind", string(event.Kind)),
					slog.Uint64("sequence", event.Sequence),
					slog.Any("error", err),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected",
					slog.String("task_id", taskID),
					slog.String("kind", string(event.Kind)),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// writeSSEEvent writes a progress event in SSE format. The event kind is
// the SSE event name; the sequence doubles as the SSE id so
// Last-Event-ID aware clients can resume with ?cursor=.
func (h *ProgressHandler) writeSSEEvent(w http.ResponseWriter, taskID string, event progress.Event) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		n, _ := fmt.Fprintf(w, "event: %s\ndata: {\"error\": \"marshal error\"}\n\n", event.Kind)
		return n, err
	}

	// Write the full SSE message in one write for better atomicity.
	message := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Kind, data)
	messageBytes := []byte(message)

	n, err := w.Write(messageBytes)
	if err != nil {
		return n, err
	}
	if n < len(messageBytes) {
		h.logger.Error("SSE short write detected",
			slog.Int("expected", len(messageBytes)),
			slog.Int("written", n),
			slog.String("task_id", taskID),
			slog.String("kind", string(event.Kind)),
		)
		return n, fmt.Errorf("short write: wrote %d of %d bytes", n, len(messageBytes))
	}
	return n, nil
}
