package session

import (
	"testing"
	"time"

	"github.com/gatherly/gatherly/internal/types"
	"github.com/stretchr/testify/assert"
)

func confirmed(id int, content string, at time.Time) types.Message {
	return types.Message{Id: id, RoomId: 1, UserId: 2, Content: content, CreatedAt: at}
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Content
	}
	return out
}

func TestReconciler_OptimisticConfirm(t *testing.T) {
	r := NewReconciler()
	base := time.Now().UTC()

	r.Seed([]types.Message{confirmed(1, "hello", base)})

	correlationId := r.SendOptimistic(5, "mine")
	assert.Equal(t, 1, r.PendingCount())

	timeline := r.Timeline()
	assert.Equal(t, []string{"hello", "mine"}, contents(timeline))
	assert.True(t, timeline[1].Pending)

	msg := confirmed(2, "mine", base.Add(time.Second))
	msg.CorrelationId = correlationId
	r.Ingest(msg)

	timeline = r.Timeline()
	assert.Equal(t, []string{"hello", "mine"}, contents(timeline))
	assert.False(t, timeline[1].Pending, "confirmation must replace the pending entry")
	assert.Equal(t, 2, timeline[1].Message.Id)
	assert.Equal(t, 0, r.PendingCount())
}

func TestReconciler_NoDuplicateOnConfirm(t *testing.T) {
	r := NewReconciler()

	correlationId := r.SendOptimistic(5, "once")
	msg := confirmed(1, "once", time.Now().UTC())
	msg.CorrelationId = correlationId

	r.Ingest(msg)
	r.Ingest(msg)

	assert.Len(t, r.Timeline(), 1, "replay of the same message id must be dropped")
}

func TestReconciler_ForeignCorrelationIgnored(t *testing.T) {
	r := NewReconciler()

	r.SendOptimistic(5, "mine")

	// another client's message carries its own correlation token
	msg := confirmed(1, "theirs", time.Now().UTC())
	msg.CorrelationId = "someone-elses-token"
	r.Ingest(msg)

	assert.Len(t, r.Timeline(), 2)
	assert.Equal(t, 1, r.PendingCount())
}

func TestReconciler_OrderedByCreationThenId(t *testing.T) {
	r := NewReconciler()
	base := time.Now().UTC()

	r.Ingest(confirmed(3, "c", base.Add(2*time.Second)))
	r.Ingest(confirmed(1, "a", base))
	r.Ingest(confirmed(2, "b", base.Add(time.Second)))

	assert.Equal(t, []string{"a", "b", "c"}, contents(r.Timeline()))
}

func TestReconciler_TiesBreakOnId(t *testing.T) {
	r := NewReconciler()
	at := time.Now().UTC()

	r.Ingest(confirmed(9, "second", at))
	r.Ingest(confirmed(4, "first", at))

	assert.Equal(t, []string{"first", "second"}, contents(r.Timeline()))
}

func TestReconciler_PendingTrailsConfirmed(t *testing.T) {
	r := NewReconciler()
	base := time.Now().UTC()

	r.SendOptimistic(5, "pending")

	// a confirmed message arriving later still sorts before the pending
	// tail
	r.Ingest(confirmed(1, "confirmed", base.Add(time.Minute)))

	assert.Equal(t, []string{"confirmed", "pending"}, contents(r.Timeline()))
}

func TestReconciler_Abandon(t *testing.T) {
	r := NewReconciler()

	correlationId := r.SendOptimistic(5, "failed send")
	r.Abandon(correlationId)

	assert.Empty(t, r.Timeline())
	assert.Equal(t, 0, r.PendingCount())

	// abandoning twice is harmless
	r.Abandon(correlationId)
}

func TestReconciler_SeedSkipsKnown(t *testing.T) {
	r := NewReconciler()
	base := time.Now().UTC()

	r.Ingest(confirmed(1, "live", base))
	r.Seed([]types.Message{
		confirmed(1, "live", base),
		confirmed(2, "history", base.Add(time.Second)),
	})

	assert.Equal(t, []string{"live", "history"}, contents(r.Timeline()))
}

func TestReconciler_Reset(t *testing.T) {
	r := NewReconciler()

	r.Ingest(confirmed(1, "old room", time.Now().UTC()))
	r.SendOptimistic(5, "old pending")
	r.Reset()

	assert.Empty(t, r.Timeline())
	assert.Equal(t, 0, r.PendingCount())

	// ids from the previous room do not shadow the new one
	r.Ingest(confirmed(1, "new room", time.Now().UTC()))
	assert.Len(t, r.Timeline(), 1)
}
