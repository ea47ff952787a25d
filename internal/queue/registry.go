package queue

import (
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Delivery is the payload handed to a parked long-poll: exactly one of Task
// or Signal is set. The delivery channel is closed without a payload to
// signal timeout.
type Delivery struct {
	Task   *models.Task
	Signal *v1.ControlSignal
}

// WaitingEntry describes one parked agent. The delivery channel has capacity
// one and a single reader; writes happen under the queue mutex.
type WaitingEntry struct {
	AgentID          string
	Capabilities     []string
	WorkspaceContext *v1.WorkspaceContext
	EnteredAt        time.Time

	seq      uint64
	delivery chan Delivery
}

// registry is the in-memory waiting-agent set. It is not safe for concurrent
// use on its own; every call happens under the queue mutex.
type registry struct {
	entries map[string]*WaitingEntry
	nextSeq uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*WaitingEntry)}
}

// add parks an agent. An agent appears at most once: a second wait from the
// same agent replaces the first, whose channel is closed so the stale poll
// returns empty.
func (r *registry) add(agentID string, capabilities []string, ws *v1.WorkspaceContext, now time.Time) *WaitingEntry {
	if prev, ok := r.entries[agentID]; ok {
		close(prev.delivery)
		delete(r.entries, agentID)
	}
	r.nextSeq++
	entry := &WaitingEntry{
		AgentID:          agentID,
		Capabilities:     append([]string(nil), capabilities...),
		WorkspaceContext: ws,
		EnteredAt:        now,
		seq:              r.nextSeq,
		delivery:         make(chan Delivery, 1),
	}
	r.entries[agentID] = entry
	return entry
}

// remove unparks the agent if the given entry is still the current one.
// Returns false when the entry was already consumed or replaced.
func (r *registry) remove(entry *WaitingEntry) bool {
	current, ok := r.entries[entry.AgentID]
	if !ok || current != entry {
		return false
	}
	delete(r.entries, entry.AgentID)
	return true
}

func (r *registry) get(agentID string) (*WaitingEntry, bool) {
	entry, ok := r.entries[agentID]
	return entry, ok
}

// deliver hands the payload to the agent and removes it from the waiting
// set. The caller must hold the queue mutex.
func (r *registry) deliver(entry *WaitingEntry, payload Delivery) {
	delete(r.entries, entry.AgentID)
	entry.delivery <- payload
	close(entry.delivery)
}

// oldestEligible returns the eligible waiting agent that has been parked the
// longest, or nil.
func (r *registry) oldestEligible(eligible func(*WaitingEntry) bool) *WaitingEntry {
	var best *WaitingEntry
	for _, entry := range r.entries {
		if !eligible(entry) {
			continue
		}
		if best == nil || entry.seq < best.seq {
			best = entry
		}
	}
	return best
}

// snapshot returns a copy of the waiting set keyed by agent id.
func (r *registry) snapshot() map[string]WaitingEntry {
	out := make(map[string]WaitingEntry, len(r.entries))
	for id, entry := range r.entries {
		out[id] = WaitingEntry{
			AgentID:          entry.AgentID,
			Capabilities:     append([]string(nil), entry.Capabilities...),
			WorkspaceContext: entry.WorkspaceContext,
			EnteredAt:        entry.EnteredAt,
		}
	}
	return out
}
