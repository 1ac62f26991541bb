package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/avatarr/internal/config"
)

// subscriber is one registered event sink. Events are delivered over a
// buffered channel; when the buffer is full the oldest events are dropped
// and a gap marker is queued in their place.
type subscriber struct {
	id       string
	ch       chan Event
	lastSeen time.Time
	closed   bool
}

// close is idempotent.
func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// taskStream holds the per-task event history and subscriber set.
type taskStream struct {
	history      []Event
	nextSeq      uint64
	lastProgress int
	lastActivity time.Time
	terminal     bool
	terminalAt   time.Time
	subscribers  map[string]*subscriber
}

// Hub fans progress events out to subscribers and retains a bounded
// per-task history for replay. All state is guarded by a single mutex;
// deliveries never block because subscriber channels are buffered and
// overflow falls back to drop-oldest.
type Hub struct {
	mu     sync.Mutex
	cfg    config.ProgressConfig
	logger *slog.Logger
	tasks  map[string]*taskStream

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub and starts its background heartbeat/cleanup loop.
// Call Close to stop it.
func NewHub(cfg config.ProgressConfig, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "progress-hub")),
		tasks:  make(map[string]*taskStream),
		stopCh: make(chan struct{}),
	}

	h.wg.Add(1)
	go h.maintenanceLoop()

	return h
}

// Close stops the background loop and closes every subscriber channel.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stream := range h.tasks {
		for _, sub := range stream.subscribers {
			sub.close()
		}
		stream.subscribers = make(map[string]*subscriber)
	}
}

// Open registers a task with the hub so heartbeats and subscriptions work
// before its first published event. Opening an existing task is a no-op.
func (h *Hub) Open(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamLocked(taskID)
}

func (h *Hub) streamLocked(taskID string) *taskStream {
	stream, ok := h.tasks[taskID]
	if !ok {
		stream = &taskStream{
			lastProgress: -1,
			lastActivity: time.Now(),
			subscribers:  make(map[string]*subscriber),
		}
		h.tasks[taskID] = stream
	}
	return stream
}

// Publish appends an event to the task's history and delivers it to all
// subscribers. The sequence number and timestamp are assigned here. Events
// declaring a progress percent below the last accepted one are rejected.
func (h *Hub) Publish(taskID string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream := h.streamLocked(taskID)

	if stream.terminal {
		return fmt.Errorf("%w: task %s", ErrStreamTerminated, taskID)
	}

	if ev.Kind != KindHeartbeat && ev.Progress < stream.lastProgress {
		h.logger.Warn("rejected progress regression",
			slog.String("task_id", taskID),
			slog.Int("declared", ev.Progress),
			slog.Int("last", stream.lastProgress),
			slog.String("kind", string(ev.Kind)),
		)
		return fmt.Errorf("%w: %d < %d", ErrProgressRegression, ev.Progress, stream.lastProgress)
	}

	ev.Sequence = stream.nextSeq
	stream.nextSeq++
	ev.Timestamp = time.Now()

	if ev.Kind == KindHeartbeat {
		// Heartbeats carry the last known progress.
		ev.Progress = max(stream.lastProgress, 0)
	} else {
		stream.lastProgress = ev.Progress
		stream.lastActivity = ev.Timestamp
	}

	h.appendLocked(stream, ev)

	if ev.terminal() {
		stream.terminal = true
		stream.terminalAt = ev.Timestamp
	}

	for id, sub := range stream.subscribers {
		h.deliverLocked(stream, sub, ev)
		if ev.terminal() {
			sub.close()
			delete(stream.subscribers, id)
		}
	}

	return nil
}

// appendLocked adds an event to the bounded history. The terminal event is
// never evicted so a late subscriber always learns the outcome.
func (h *Hub) appendLocked(stream *taskStream, ev Event) {
	stream.history = append(stream.history, ev)

	depth := h.cfg.HistoryDepth
	if depth <= 0 || len(stream.history) <= depth {
		return
	}
	stream.history = stream.history[len(stream.history)-depth:]
}

// deliverLocked queues an event on a subscriber channel. On overflow the
// two oldest buffered events are dropped to make room for a gap marker
// followed by the new event.
func (h *Hub) deliverLocked(stream *taskStream, sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		sub.lastSeen = time.Now()
		return
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}

	gap := Event{
		Kind:      KindGap,
		Stage:     ev.Stage,
		Progress:  ev.Progress,
		Message:   "events dropped, replay from last cursor",
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
	}

	select {
	case sub.ch <- gap:
	default:
	}
	select {
	case sub.ch <- ev:
		sub.lastSeen = time.Now()
	default:
		h.logger.Warn("subscriber queue saturated",
			slog.String("subscriber_id", sub.id),
		)
	}
}

// Subscribe registers a sink for a task's events. The full retained
// history is replayed before new events arrive. The returned channel is
// closed when the stream terminates or the subscriber is removed.
func (h *Hub) Subscribe(taskID string) (<-chan Event, string, error) {
	return h.SubscribeFrom(taskID, -1)
}

// SubscribeFrom registers a sink and replays only events with a sequence
// greater than cursor. A cursor of -1 replays everything retained. When
// the cursor falls before the retained history window, a gap marker
// precedes the replay.
func (h *Hub) SubscribeFrom(taskID string, cursor int64) (<-chan Event, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.tasks[taskID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	queue := h.cfg.SubscriberQueue
	if queue <= 0 {
		queue = 64
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		ch:       make(chan Event, queue),
		lastSeen: time.Now(),
	}

	replay := stream.history
	if cursor >= 0 {
		replay = eventsAfter(stream.history, uint64(cursor))

		// Detect a cursor older than the retained window.
		if len(stream.history) > 0 && stream.history[0].Sequence > 0 &&
			uint64(cursor) < stream.history[0].Sequence-1 {
			h.deliverLocked(stream, sub, Event{
				Kind:      KindGap,
				Message:   "history truncated before cursor",
				Sequence:  stream.history[0].Sequence,
				Timestamp: time.Now(),
			})
		}
	}

	for _, ev := range replay {
		h.deliverLocked(stream, sub, ev)
	}

	if stream.terminal {
		// Stream is over: the replay carried the terminal event.
		sub.close()
		return sub.ch, sub.id, nil
	}

	stream.subscribers[sub.id] = sub
	return sub.ch, sub.id, nil
}

// eventsAfter returns the suffix of history with sequences beyond cursor.
func eventsAfter(history []Event, cursor uint64) []Event {
	for i, ev := range history {
		if ev.Sequence > cursor {
			return history[i:]
		}
	}
	return nil
}

// Unsubscribe removes a sink and closes its channel.
func (h *Hub) Unsubscribe(taskID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.tasks[taskID]
	if !ok {
		return
	}
	if sub, ok := stream.subscribers[subscriberID]; ok {
		sub.close()
		delete(stream.subscribers, subscriberID)
	}
}

// History returns a copy of the retained events for a task.
func (h *Hub) History(taskID string) ([]Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	out := make([]Event, len(stream.history))
	copy(out, stream.history)
	return out, nil
}

// SubscriberCount returns the number of live subscribers for a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if stream, ok := h.tasks[taskID]; ok {
		return len(stream.subscribers)
	}
	return 0
}

// maintenanceLoop emits heartbeats on idle streams, reaps dead
// subscribers, and purges terminal task state past its retention.
func (h *Hub) maintenanceLoop() {
	defer h.wg.Done()

	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep(interval)
		}
	}
}

// sweep performs one maintenance pass.
func (h *Hub) sweep(heartbeat time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	deadAfter := 3 * heartbeat

	for taskID, stream := range h.tasks {
		// Purge terminal task state past retention.
		if stream.terminal && h.cfg.TerminalRetention > 0 &&
			now.Sub(stream.terminalAt) > h.cfg.TerminalRetention {
			for _, sub := range stream.subscribers {
				sub.close()
			}
			delete(h.tasks, taskID)
			h.logger.Debug("purged terminal task stream",
				slog.String("task_id", taskID),
			)
			continue
		}

		// Reap subscribers that have absorbed nothing for too long.
		for id, sub := range stream.subscribers {
			if now.Sub(sub.lastSeen) > deadAfter {
				sub.close()
				delete(stream.subscribers, id)
				h.logger.Debug("reaped dead subscriber",
					slog.String("task_id", taskID),
					slog.String("subscriber_id", id),
				)
			}
		}

		// Heartbeat idle live streams with at least one subscriber.
		if !stream.terminal && len(stream.subscribers) > 0 &&
			now.Sub(stream.lastActivity) >= heartbeat {
			ev := Event{
				Kind:      KindHeartbeat,
				Progress:  max(stream.lastProgress, 0),
				Sequence:  stream.nextSeq,
				Timestamp: now,
			}
			stream.nextSeq++
			h.appendLocked(stream, ev)
			stream.lastActivity = now
			for _, sub := range stream.subscribers {
				h.deliverLocked(stream, sub, ev)
			}
		}
	}
}
