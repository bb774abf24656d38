package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gatherly/gatherly/internal/types"
	"github.com/google/uuid"
)

// Entry is one message in a reconciled timeline. Pending entries are
// locally submitted messages still awaiting their confirmed broadcast.
type Entry struct {
	Message       types.Message
	CorrelationId string
	Pending       bool
}

// Reconciler maintains a room timeline that merges confirmed messages
// from the server with optimistic local submissions. A pending entry is
// replaced by its confirmed counterpart when a broadcast arrives carrying
// the same correlation token; confirmed messages are kept ordered by
// creation time, then id, and duplicates are dropped by message id.
type Reconciler struct {
	mu       sync.Mutex
	timeline []*Entry
	pending  map[string]*Entry
	seen     map[int]struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		pending: make(map[string]*Entry),
		seen:    make(map[int]struct{}),
	}
}

// Seed loads a history page fetched out of band. Messages already in the
// timeline are skipped.
func (r *Reconciler) Seed(history []types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range history {
		msg := history[i]
		if _, ok := r.seen[msg.Id]; ok {
			continue
		}
		r.seen[msg.Id] = struct{}{}
		r.insert(&Entry{Message: msg})
	}
}

// SendOptimistic appends a pending entry for a message about to be
// published and returns the correlation token to attach to the publish
// frame. The entry sits at the timeline tail until its confirmation
// arrives.
func (r *Reconciler) SendOptimistic(userId int, content string) string {
	correlationId := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &Entry{
		Message: types.Message{
			UserId:    userId,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		},
		CorrelationId: correlationId,
		Pending:       true,
	}
	r.pending[correlationId] = entry
	r.timeline = append(r.timeline, entry)

	return correlationId
}

// Ingest merges a confirmed message into the timeline. When the message
// carries the correlation token of a pending entry, that entry is
// confirmed in place of a second copy; already-seen message ids are
// dropped, which is what keeps the timeline stable across reconnects.
func (r *Reconciler) Ingest(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[msg.Id]; ok {
		return
	}
	r.seen[msg.Id] = struct{}{}

	if msg.CorrelationId != "" {
		if entry, ok := r.pending[msg.CorrelationId]; ok {
			delete(r.pending, msg.CorrelationId)
			r.remove(entry)
			r.insert(&Entry{Message: msg, CorrelationId: msg.CorrelationId})
			return
		}
	}

	r.insert(&Entry{Message: msg})
}

// Abandon drops a pending entry whose publish failed, so the timeline
// does not show a message the server never accepted.
func (r *Reconciler) Abandon(correlationId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[correlationId]
	if !ok {
		return
	}
	delete(r.pending, correlationId)
	r.remove(entry)
}

// PendingCount reports how many local submissions still await
// confirmation.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Timeline returns a snapshot of the current timeline in display order.
func (r *Reconciler) Timeline() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.timeline))
	for i, entry := range r.timeline {
		out[i] = *entry
	}
	return out
}

// Reset clears the timeline, for switching to a different room.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timeline = nil
	r.pending = make(map[string]*Entry)
	r.seen = make(map[int]struct{})
}

// insert places a confirmed entry at its sorted position, before any
// pending entries, which always trail the confirmed prefix. Caller holds
// the lock.
func (r *Reconciler) insert(entry *Entry) {
	n := sort.Search(len(r.timeline), func(i int) bool {
		other := r.timeline[i]
		if other.Pending {
			return true
		}
		if !other.Message.CreatedAt.Equal(entry.Message.CreatedAt) {
			return other.Message.CreatedAt.After(entry.Message.CreatedAt)
		}
		return other.Message.Id > entry.Message.Id
	})

	r.timeline = append(r.timeline, nil)
	copy(r.timeline[n+1:], r.timeline[n:])
	r.timeline[n] = entry
}

// remove deletes the entry from the timeline. Caller holds the lock.
func (r *Reconciler) remove(entry *Entry) {
	for i, e := range r.timeline {
		if e == entry {
			r.timeline = append(r.timeline[:i], r.timeline[i+1:]...)
			return
		}
	}
}
