// Package gpu provides the accelerator slot scheduler. VRAM is partitioned
// at startup into fixed slot classes; pipeline stages borrow a slot for the
// duration of one engine call and return it immediately after.
package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/avatarr/internal/config"
)

// Class identifies a slot class.
type Class string

const (
	// ClassDetector slots serve person detection calls.
	ClassDetector Class = "detector"
	// ClassSegmenter slots serve background removal calls.
	ClassSegmenter Class = "segmenter"
)

// Lease represents a held slot. A lease must be released exactly once.
type Lease struct {
	ID         uuid.UUID
	Class      Class
	TaskID     string
	AcquiredAt time.Time
}

// ClassStats is a point-in-time view of one slot class.
type ClassStats struct {
	Slots    int   `json:"slots"`
	InUse    int   `json:"in_use"`
	Waiting  int   `json:"waiting"`
	SlotVRAM int64 `json:"slot_vram"`
}

// Stats is a consistent snapshot across all classes.
type Stats struct {
	Classes    map[Class]ClassStats `json:"classes"`
	DeviceVRAM int64                `json:"device_vram"`
	InUseVRAM  int64                `json:"in_use_vram"`
}

// waiter is one queued Acquire call. The grant channel is buffered so a
// release never blocks on a departing waiter.
type waiter struct {
	taskID string
	grant  chan *Lease
}

// classState tracks slot occupancy and the FIFO wait queue for one class.
type classState struct {
	slots    int
	slotVRAM int64
	inUse    int
	waiters  []*waiter
}

// Scheduler hands out slot leases per class. Acquire blocks in FIFO order
// when all slots of the requested class are held.
type Scheduler struct {
	mu      sync.Mutex
	classes map[Class]*classState
	leases  map[uuid.UUID]*Lease
	device  int64
	logger  *slog.Logger
}

// NewScheduler validates the declared slot classes against device capacity
// and builds the scheduler. Construction fails when the peak VRAM of all
// slots exceeds the device.
func NewScheduler(cfg config.GPUConfig, logger *slog.Logger) (*Scheduler, error) {
	if cfg.DetectorSlots < 1 {
		return nil, fmt.Errorf("detector slot count must be at least 1")
	}
	if cfg.SegmenterSlots < 1 {
		return nil, fmt.Errorf("segmenter slot count must be at least 1")
	}
	if peak := cfg.PeakVRAM(); peak > cfg.DeviceVRAM.Bytes() {
		return nil, fmt.Errorf("slot classes require %d bytes peak VRAM but device has %d",
			peak, cfg.DeviceVRAM.Bytes())
	}

	s := &Scheduler{
		classes: map[Class]*classState{
			ClassDetector: {
				slots:    cfg.DetectorSlots,
				slotVRAM: cfg.DetectorSlotVRAM.Bytes(),
			},
			ClassSegmenter: {
				slots:    cfg.SegmenterSlots,
				slotVRAM: cfg.SegmenterSlotVRAM.Bytes(),
			},
		},
		leases: make(map[uuid.UUID]*Lease),
		device: cfg.DeviceVRAM.Bytes(),
		logger: logger.With(slog.String("component", "gpu-scheduler")),
	}

	s.logger.Info("gpu scheduler initialized",
		slog.Int("detector_slots", cfg.DetectorSlots),
		slog.Int("segmenter_slots", cfg.SegmenterSlots),
		slog.Int64("peak_vram", cfg.PeakVRAM()),
		slog.Int64("device_vram", cfg.DeviceVRAM.Bytes()),
	)

	return s, nil
}

// Acquire obtains a slot of the given class, blocking in FIFO order until
// one is free or the context ends. A context error leaves no slot held.
func (s *Scheduler) Acquire(ctx context.Context, class Class, taskID string) (*Lease, error) {
	s.mu.Lock()

	state, ok := s.classes[class]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown slot class %q", class)
	}

	if state.inUse < state.slots {
		lease := s.grantLocked(state, class, taskID)
		s.mu.Unlock()
		return lease, nil
	}

	w := &waiter{taskID: taskID, grant: make(chan *Lease, 1)}
	state.waiters = append(state.waiters, w)
	position := len(state.waiters)
	s.mu.Unlock()

	s.logger.Debug("waiting for slot",
		slog.String("class", string(class)),
		slog.String("task_id", taskID),
		slog.Int("queue_position", position),
	)

	select {
	case lease := <-w.grant:
		return lease, nil

	case <-ctx.Done():
		s.mu.Lock()
		for i, queued := range state.waiters {
			if queued == w {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				s.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		s.mu.Unlock()

		// The grant raced the cancellation: a lease is already in the
		// channel, so take it and hand the slot back.
		lease := <-w.grant
		s.Release(lease)
		return nil, ctx.Err()
	}
}

// grantLocked allocates a lease for one free slot. Caller holds s.mu.
func (s *Scheduler) grantLocked(state *classState, class Class, taskID string) *Lease {
	state.inUse++
	lease := &Lease{
		ID:         uuid.New(),
		Class:      class,
		TaskID:     taskID,
		AcquiredAt: time.Now(),
	}
	s.leases[lease.ID] = lease

	s.logger.Debug("slot acquired",
		slog.String("class", string(class)),
		slog.String("task_id", taskID),
		slog.String("lease_id", lease.ID.String()),
		slog.Int("in_use", state.inUse),
		slog.Int("slots", state.slots),
	)

	return lease
}

// Release returns a held slot. Releasing a lease twice, or a lease the
// scheduler never issued, is logged and ignored.
func (s *Scheduler) Release(lease *Lease) {
	if lease == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.leases[lease.ID]; !held {
		s.logger.Warn("release of unknown lease ignored",
			slog.String("lease_id", lease.ID.String()),
			slog.String("class", string(lease.Class)),
			slog.String("task_id", lease.TaskID),
		)
		return
	}
	delete(s.leases, lease.ID)

	state := s.classes[lease.Class]

	s.logger.Debug("slot released",
		slog.String("class", string(lease.Class)),
		slog.String("task_id", lease.TaskID),
		slog.String("lease_id", lease.ID.String()),
		slog.Duration("held", time.Since(lease.AcquiredAt)),
	)

	// Hand the slot straight to the head of the queue, keeping inUse
	// constant, so a waiter can never be overtaken by a fresh Acquire.
	if len(state.waiters) > 0 {
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		state.inUse--
		next.grant <- s.grantLocked(state, lease.Class, next.taskID)
		return
	}

	state.inUse--
}

// Snapshot returns a consistent view of slot occupancy across all classes.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Classes:    make(map[Class]ClassStats, len(s.classes)),
		DeviceVRAM: s.device,
	}
	for class, state := range s.classes {
		stats.Classes[class] = ClassStats{
			Slots:    state.slots,
			InUse:    state.inUse,
			Waiting:  len(state.waiters),
			SlotVRAM: state.slotVRAM,
		}
		stats.InUseVRAM += int64(state.inUse) * state.slotVRAM
	}
	return stats
}
