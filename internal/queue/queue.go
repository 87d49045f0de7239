// Package queue serializes agent executions per conversation.
//
// Each JID owns one slot that is Idle, Queued, or Active. Enqueue admits at
// most one execution per slot; text arriving while a slot is Active is piped
// into the running process instead of starting a second one. Different JIDs
// run concurrently.
package queue

import (
	"log/slog"
	"sync"
	"time"
)

// ProcessHandle is the queue's view of a live agent process.
type ProcessHandle interface {
	// WriteInput delivers one input unit to the process. Calls are
	// serialized by the queue, so inputs arrive in call order.
	WriteInput(text string) error

	// CloseInput signals that no more input is coming.
	CloseInput() error

	// Kill forcibly terminates the process.
	Kill() error
}

// ProcessFunc runs one execution for jid to completion. It returns true on
// success; false schedules a retry after the configured delay.
type ProcessFunc func(jid string) bool

type slotState int

const (
	stateIdle slotState = iota
	stateQueued
	stateActive
)

type slot struct {
	state     slotState
	handle    ProcessHandle
	label     string
	folder    string
	idleTimer *time.Timer

	// pending records an Enqueue that arrived while the slot was busy.
	// The run loop honors it with a follow-up execution, so input that
	// missed a closing process is never stranded.
	pending bool
}

// GroupQueue is the per-conversation admission controller.
type GroupQueue struct {
	mu       sync.Mutex
	slots    map[string]*slot
	process  ProcessFunc
	draining bool

	idleTimeout time.Duration
	retryDelay  time.Duration

	wg sync.WaitGroup
}

// New creates a queue. SetProcessFunc must be called before the first
// Enqueue.
func New(idleTimeout, retryDelay time.Duration) *GroupQueue {
	return &GroupQueue{
		slots:       make(map[string]*slot),
		idleTimeout: idleTimeout,
		retryDelay:  retryDelay,
	}
}

// SetProcessFunc injects the executor. Set once at startup, before any
// message flows.
func (q *GroupQueue) SetProcessFunc(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

func (q *GroupQueue) slotFor(jid string) *slot {
	s, ok := q.slots[jid]
	if !ok {
		s = &slot{}
		q.slots[jid] = s
	}
	return s
}

// Enqueue requests an execution for jid. When the slot is already queued or
// active the request is recorded as pending and a follow-up execution runs
// once the current one completes. That covers a Pipe that failed against a
// closing process: the text sits in the store, and the follow-up run reads
// everything still undelivered.
func (q *GroupQueue) Enqueue(jid string) {
	q.mu.Lock()
	if q.draining || q.process == nil {
		q.mu.Unlock()
		return
	}
	s := q.slotFor(jid)
	if s.state != stateIdle {
		s.pending = true
		q.mu.Unlock()
		return
	}
	s.state = stateQueued
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(jid)
}

func (q *GroupQueue) run(jid string) {
	defer q.wg.Done()

	for {
		ok := q.process(jid)

		q.mu.Lock()
		s := q.slotFor(jid)
		s.handle = nil
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		if ok && s.pending && !q.draining {
			// An Enqueue arrived mid-run; run again. The executor reads
			// from the store, so a no-op pass is cheap.
			s.pending = false
			s.state = stateQueued
			q.mu.Unlock()
			continue
		}
		s.pending = false
		s.state = stateIdle
		draining := q.draining
		q.mu.Unlock()

		if !ok && !draining {
			slog.Info("execution failed, scheduling retry", "jid", jid, "delay", q.retryDelay)
			time.AfterFunc(q.retryDelay, func() { q.Enqueue(jid) })
		}
		return
	}
}

// Pipe delivers text to the live execution for jid. It returns false when no
// execution is active (or the write fails); the caller must Enqueue instead
// so the text is picked up on the next run.
func (q *GroupQueue) Pipe(jid, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[jid]
	if !ok || s.state != stateActive || s.handle == nil {
		return false
	}
	if err := s.handle.WriteInput(text); err != nil {
		slog.Warn("failed to pipe into active execution", "jid", jid, "error", err)
		return false
	}
	q.resetIdleLocked(s, jid)
	return true
}

// RegisterProcess is called by the executor once the underlying process is
// live. It transitions the slot to Active and arms the idle timer.
func (q *GroupQueue) RegisterProcess(jid string, handle ProcessHandle, label, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.slotFor(jid)
	s.state = stateActive
	s.handle = handle
	s.label = label
	s.folder = folder
	q.resetIdleLocked(s, jid)
	slog.Debug("process registered", "jid", jid, "label", label, "folder", folder)
}

// NotifyIdle records a quiescent success signal from the execution,
// rescheduling the idle close. The execution itself keeps running until its
// input drains.
func (q *GroupQueue) NotifyIdle(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s, ok := q.slots[jid]; ok && s.state == stateActive {
		q.resetIdleLocked(s, jid)
	}
}

func (q *GroupQueue) resetIdleLocked(s *slot, jid string) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(q.idleTimeout, func() {
		slog.Debug("idle timeout elapsed, closing input", "jid", jid)
		q.CloseStdin(jid)
	})
}

// CloseStdin closes the live execution's input stream so it can reach a
// natural end. Safe to call when nothing is active.
func (q *GroupQueue) CloseStdin(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[jid]
	if !ok || s.handle == nil {
		return
	}
	if err := s.handle.CloseInput(); err != nil {
		slog.Warn("failed to close execution input", "jid", jid, "error", err)
	}
}

// Shutdown closes input on all active executions, waits up to timeout for
// them to drain, then force-kills stragglers.
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.draining = true
	for jid, s := range q.slots {
		if s.handle != nil {
			if err := s.handle.CloseInput(); err != nil {
				slog.Warn("failed to close input during shutdown", "jid", jid, "error", err)
			}
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all executions drained")
	case <-time.After(timeout):
		slog.Warn("shutdown deadline reached, force-killing executions")
		q.mu.Lock()
		for jid, s := range q.slots {
			if s.handle != nil {
				if err := s.handle.Kill(); err != nil {
					slog.Warn("failed to kill execution", "jid", jid, "error", err)
				}
			}
		}
		q.mu.Unlock()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			slog.Error("executions did not exit after kill")
		}
	}
}
