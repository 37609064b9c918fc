package frame

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned to waiters once the slot has been closed.
var ErrClosed = errors.New("frame slot closed")

// Slot holds the most recently published frame and its sequence counters.
//
// One producer publishes with TryPublish, which never blocks: if a reader
// holds the lock the publish is skipped. Readers block in WaitForNext or View
// until a frame newer than the one they last saw is available. The wait
// acquires the lock fresh on every call and rechecks the sequence predicate
// after every wake.
//
// Invariant: deliveredSeq <= grabbedSeq.
type Slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	cur   Frame // published frame
	spare Frame // producer scratch, swapped with cur on success

	grabbedSeq   uint64
	deliveredSeq uint64
	closed       bool
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// TryPublish attempts a non-blocking claim of the slot. When the lock is
// free, fill writes the next frame into a producer-owned buffer; on success
// the buffer becomes the published frame, the sequence advances and all
// waiters are woken once.
//
// Returns false without calling fill when a reader holds the lock or the
// slot is closed. An error from fill leaves the published frame untouched.
func (s *Slot) TryPublish(fill func(dst *Frame) error) (bool, error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	if err := fill(&s.spare); err != nil {
		return false, err
	}

	s.cur, s.spare = s.spare, s.cur

	s.grabbedSeq++
	s.cur.Seq = s.grabbedSeq
	if s.cur.Timestamp.IsZero() {
		s.cur.Timestamp = time.Now()
	}
	s.cur.Sum = s.cur.Checksum()
	s.spare.Timestamp = time.Time{}

	s.cond.Broadcast()
	return true, nil
}

// WaitForNext blocks until a frame with Seq > lastSeen is published, then
// returns a copy of it. It returns ErrClosed after Close and ctx.Err() when
// ctx is done first.
func (s *Slot) WaitForNext(ctx context.Context, lastSeen uint64) (Frame, error) {
	var snap Frame
	err := s.View(ctx, lastSeen, func(f Frame) error {
		snap = f.Clone()
		return nil
	})
	return snap, err
}

// View waits like WaitForNext and then calls fn with the published frame
// while holding the slot lock. f.Pix is only valid until fn returns and must
// not be retained; the producer skips publishing for as long as fn runs.
func (s *Slot) View(ctx context.Context, lastSeen uint64, fn func(f Frame) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.grabbedSeq <= lastSeen && !s.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if s.closed {
		return ErrClosed
	}

	if s.cur.Seq > s.deliveredSeq {
		s.deliveredSeq = s.cur.Seq
	}
	return fn(s.cur)
}

// Latest returns a copy of the current frame without waiting. The second
// result is false when nothing has been published yet or the slot is closed.
func (s *Slot) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.grabbedSeq == 0 {
		return Frame{}, false
	}
	return s.cur.Clone(), true
}

// GrabbedSeq returns the sequence number of the last published frame.
func (s *Slot) GrabbedSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grabbedSeq
}

// DeliveredSeq returns the highest sequence number handed to a reader.
func (s *Slot) DeliveredSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveredSeq
}

// Close wakes every waiter with ErrClosed and releases the frame buffers.
// The producer must have stopped before Close is called. Idempotent.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cur = Frame{}
	s.spare = Frame{}
	s.cond.Broadcast()
}
