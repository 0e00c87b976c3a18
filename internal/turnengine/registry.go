package turnengine

import (
	"errors"
	"sync"

	"github.com/coderunner/agentd/internal/protocol"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrTurnNotFound   = errors.New("turn not found")
	ErrThreadBusy     = errors.New("thread busy: turn already active")
)

// Registry is the single source of truth for Thread/Turn/ThreadItem state
// (spec §3, §4.2). It enforces the "at most one active turn per thread"
// invariant under one mutex so StartTurn and CancelTurn never race.
type Registry struct {
	mu      sync.Mutex
	threads map[protocol.ThreadID]*protocol.Thread
	turns   map[protocol.TurnID]*protocol.Turn
	items   map[protocol.ItemID]*protocol.ThreadItem
	active  map[protocol.ThreadID]protocol.TurnID
	cancel  map[protocol.TurnID]func(protocol.AbortReason)
}

func NewRegistry() *Registry {
	return &Registry{
		threads: make(map[protocol.ThreadID]*protocol.Thread),
		turns:   make(map[protocol.TurnID]*protocol.Turn),
		items:   make(map[protocol.ItemID]*protocol.ThreadItem),
		active:  make(map[protocol.ThreadID]protocol.TurnID),
		cancel:  make(map[protocol.TurnID]func(protocol.AbortReason)),
	}
}

func (r *Registry) PutThread(th *protocol.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[th.ID] = th
}

func (r *Registry) Thread(id protocol.ThreadID) (*protocol.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return th, nil
}

func (r *Registry) Turn(id protocol.TurnID) (*protocol.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok {
		return nil, ErrTurnNotFound
	}
	return t, nil
}

func (r *Registry) Item(id protocol.ItemID) (*protocol.ThreadItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	return it, ok
}

func (r *Registry) PutItem(it *protocol.ThreadItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[it.ID] = it
}

// BeginTurn registers turn as the thread's active turn and atomically
// records its cancel func. Returns ErrThreadBusy if one is already active.
func (r *Registry) BeginTurn(threadID protocol.ThreadID, turn *protocol.Turn, cancel func(protocol.AbortReason)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	if existing, ok := r.active[threadID]; ok {
		if t, ok := r.turns[existing]; ok && !t.Status.Terminal() {
			return ErrThreadBusy
		}
	}
	r.turns[turn.ID] = turn
	r.active[threadID] = turn.ID
	r.cancel[turn.ID] = cancel
	th := r.threads[threadID]
	th.Turns = append(th.Turns, turn.ID)
	return nil
}

// EndTurn drops the turn's cancel func and releases the thread's active
// slot. The turn's terminal status is set by the caller (Runner.finish).
func (r *Registry) EndTurn(threadID protocol.ThreadID, turnID protocol.TurnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancel, turnID)
	if r.active[threadID] == turnID {
		delete(r.active, threadID)
	}
}

// ActiveTurn returns the in-progress turn id for a thread, if any.
func (r *Registry) ActiveTurn(threadID protocol.ThreadID) (protocol.TurnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[threadID]
	return id, ok
}

// Cancel invokes the active turn's registered cancel func, if any. Returns
// false if the thread has no active turn.
func (r *Registry) Cancel(threadID protocol.ThreadID, reason protocol.AbortReason) bool {
	r.mu.Lock()
	turnID, ok := r.active[threadID]
	var fn func(protocol.AbortReason)
	if ok {
		fn = r.cancel[turnID]
	}
	r.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn(reason)
	return true
}
