// Package router is the message-ingestion and orchestration core. It polls
// the store for new messages, applies trigger gating, hands work to the
// execution queue, and runs agent executions to completion while keeping
// the two progress cursors crash-safe:
//
//   - lastSeen is the newest message timestamp ever observed. It advances
//     optimistically before processing; it only bounds re-scanning.
//   - lastDelivered[jid] is the newest timestamp actually handed to an
//     agent. It is persisted only after a run durably succeeded or after
//     output reached the user, so a crash never loses messages and a
//     completed answer is never replayed.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microclaw/microclaw/internal/agent"
	"github.com/microclaw/microclaw/internal/channels"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/queue"
	"github.com/microclaw/microclaw/internal/store"
)

const (
	stateKeyLastSeen      = "last_timestamp"
	stateKeyLastDelivered = "last_agent_timestamp"
)

// Runner abstracts the container runtime so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, group store.RegisteredGroup, in agent.Input, onStarted agent.OnStarted, onOutput agent.OnOutput) (agent.Output, error)
}

// Router owns all mutable orchestration state. The ingestion loop is the
// single writer of lastSeen; each JID's lastDelivered entry is written only
// by the loop (pipe path) or by the one execution owning that JID, with mu
// guarding the maps themselves.
type Router struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.GroupQueue
	runner   Runner
	channels []channels.Channel
	trigger  *regexp.Regexp

	mu            sync.Mutex
	lastSeen      string
	lastDelivered map[string]string
	// committed mirrors lastDelivered but only at commit points (pipe
	// succeeded, run succeeded, or output reached the user). It is the map
	// that saveStateLocked persists, so a mid-run in-memory advance for one
	// conversation never becomes durable through another conversation's
	// save.
	committed map[string]string
	sessions  map[string]string
	groups    map[string]store.RegisteredGroup
}

// New wires a Router and installs it as the queue's executor.
func New(cfg *config.Config, st *store.Store, q *queue.GroupQueue, runner Runner, chs []channels.Channel) *Router {
	r := &Router{
		cfg:           cfg,
		store:         st,
		queue:         q,
		runner:        runner,
		channels:      chs,
		trigger:       BuildTriggerPattern(cfg.AssistantName),
		lastDelivered: make(map[string]string),
		committed:     make(map[string]string),
		sessions:      make(map[string]string),
		groups:        make(map[string]store.RegisteredGroup),
	}
	q.SetProcessFunc(r.ProcessGroup)
	return r
}

// LoadState restores cursors, sessions, and registered groups from the
// store. Corrupt cursor state is reset, never fatal.
func (r *Router) LoadState() error {
	lastSeen, err := r.store.GetState(stateKeyLastSeen)
	if err != nil {
		return err
	}

	delivered := make(map[string]string)
	raw, err := r.store.GetState(stateKeyLastDelivered)
	if err != nil {
		return err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &delivered); err != nil {
			slog.Warn("corrupt delivered-cursor state, resetting", "error", err)
			delivered = make(map[string]string)
		}
	}

	sessions, err := r.store.AllSessions()
	if err != nil {
		return err
	}
	groups, err := r.store.AllRegisteredGroups()
	if err != nil {
		return err
	}

	committed := make(map[string]string, len(delivered))
	for jid, ts := range delivered {
		committed[jid] = ts
	}

	r.mu.Lock()
	r.lastSeen = lastSeen
	r.lastDelivered = delivered
	r.committed = committed
	r.sessions = sessions
	r.groups = groups
	r.mu.Unlock()

	slog.Info("router state loaded", "groups", len(groups), "sessions", len(sessions))
	return nil
}

// saveStateLocked persists the seen cursor and the committed delivered
// cursors. Callers hold r.mu.
func (r *Router) saveStateLocked() {
	if err := r.store.SetState(stateKeyLastSeen, r.lastSeen); err != nil {
		slog.Error("failed to persist seen cursor", "error", err)
	}
	raw, err := json.Marshal(r.committed)
	if err != nil {
		slog.Error("failed to encode delivered cursors", "error", err)
		return
	}
	if err := r.store.SetState(stateKeyLastDelivered, string(raw)); err != nil {
		slog.Error("failed to persist delivered cursors", "error", err)
	}
}

// Start runs the ingestion loop until ctx is cancelled. Blocking; run it in
// a goroutine. Iterations never overlap.
func (r *Router) Start(ctx context.Context) {
	slog.Info("ingestion loop started",
		"interval", r.cfg.PollInterval, "trigger", "@"+r.cfg.AssistantName)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ingestion loop stopped")
			return
		case <-ticker.C:
			if err := r.poll(); err != nil {
				slog.Error("ingestion poll failed", "error", err)
			}
		}
	}
}

// poll is one ingestion iteration: fetch everything newer than lastSeen,
// advance the seen cursor immediately, then dispatch per conversation.
func (r *Router) poll() error {
	r.mu.Lock()
	jids := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		jids = append(jids, jid)
	}
	since := r.lastSeen
	r.mu.Unlock()

	msgs, highWater, err := r.store.MessagesSince(jids, since)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	slog.Info("new messages", "count", len(msgs))

	// Advance the seen cursor before any processing. Losing a crash race
	// here is safe: recovery rescans from the delivered cursor, not this
	// one.
	r.mu.Lock()
	r.lastSeen = highWater
	r.saveStateLocked()
	r.mu.Unlock()

	byJID := make(map[string][]store.Message)
	order := make([]string, 0)
	for _, m := range msgs {
		if _, seen := byJID[m.ChatJID]; !seen {
			order = append(order, m.ChatJID)
		}
		byJID[m.ChatJID] = append(byJID[m.ChatJID], m)
	}

	for _, jid := range order {
		r.dispatch(jid, byJID[jid])
	}
	return nil
}

// dispatch routes one conversation's batch: pipe into a live execution when
// there is one, otherwise request a new execution from the queue.
func (r *Router) dispatch(jid string, batch []store.Message) {
	r.mu.Lock()
	group, registered := r.groups[jid]
	delivered := r.lastDelivered[jid]
	r.mu.Unlock()
	if !registered {
		return
	}

	channel := channels.Find(r.channels, jid)
	if channel == nil {
		slog.Warn("no channel owns jid, skipping messages", "jid", jid)
		return
	}

	if r.needsTrigger(group) && !r.batchHasTrigger(group, batch) {
		// Messages stay in the store and become context once a trigger
		// arrives.
		return
	}

	// Fold in any non-trigger context accumulated since the last delivery.
	pending, err := r.store.MessagesSinceJID(jid, delivered)
	if err != nil {
		slog.Error("failed to fetch pending messages", "jid", jid, "error", err)
		return
	}
	toSend := pending
	if len(toSend) == 0 {
		toSend = batch
	}

	if r.queue.Pipe(jid, FormatMessages(toSend)) {
		slog.Debug("piped messages into active execution", "jid", jid, "count", len(toSend))
		// Optimistic advance: piping is ordered and the execution drains
		// its input before ending, so the piped text will be observed.
		r.mu.Lock()
		r.lastDelivered[jid] = toSend[len(toSend)-1].Timestamp
		r.committed[jid] = r.lastDelivered[jid]
		r.saveStateLocked()
		r.mu.Unlock()

		if err := channel.SetTyping(jid, true); err != nil {
			slog.Warn("failed to set typing indicator", "jid", jid, "error", err)
		}
		return
	}

	r.queue.Enqueue(jid)
}

func (r *Router) needsTrigger(group store.RegisteredGroup) bool {
	return group.Folder != r.cfg.MainGroupFolder && group.RequiresTrigger
}

func (r *Router) batchHasTrigger(group store.RegisteredGroup, batch []store.Message) bool {
	pattern := r.trigger
	if group.Trigger != "" {
		pattern = BuildTriggerPattern(group.Trigger)
	}
	for _, m := range batch {
		if pattern.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

// RecoverPending re-enqueues every conversation that has messages newer
// than its delivered cursor. Run once at startup; it heals a crash between
// advancing lastSeen and completing delivery.
func (r *Router) RecoverPending() {
	r.mu.Lock()
	groups := make(map[string]store.RegisteredGroup, len(r.groups))
	for jid, g := range r.groups {
		groups[jid] = g
	}
	delivered := make(map[string]string, len(r.lastDelivered))
	for jid, ts := range r.lastDelivered {
		delivered[jid] = ts
	}
	r.mu.Unlock()

	for jid, group := range groups {
		pending, err := r.store.MessagesSinceJID(jid, delivered[jid])
		if err != nil {
			slog.Error("recovery scan failed", "jid", jid, "error", err)
			continue
		}
		if len(pending) > 0 {
			slog.Info("recovery found unprocessed messages",
				"group", group.Name, "pending", len(pending))
			r.queue.Enqueue(jid)
		}
	}
}
