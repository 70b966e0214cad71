package queue

import (
	"testing"
	"time"

	"loom/pkg/protocol"
)

var queueEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pushN(t *testing.T, q Queue, items ...protocol.WorkItem) Queue {
	t.Helper()
	for i, item := range items {
		q, _ = q.Push(item, queueEpoch.Add(time.Duration(i)*time.Second))
	}
	return q
}

func TestQueuePushOrdering(t *testing.T) {
	q := pushN(t, New("intake"),
		protocol.WorkItem{ID: "low", Priority: 1},
		protocol.WorkItem{ID: "high", Priority: 9},
		protocol.WorkItem{ID: "mid-old", Priority: 5},
		protocol.WorkItem{ID: "mid-new", Priority: 5},
	)

	want := []string{"high", "mid-old", "mid-new", "low"}
	if len(q.Pending) != len(want) {
		t.Fatalf("pending = %d items, want %d", len(q.Pending), len(want))
	}
	for i, id := range want {
		if q.Pending[i].ID != id {
			t.Errorf("pending[%d] = %q, want %q", i, q.Pending[i].ID, id)
		}
	}
}

func TestQueuePushStampsCreatedAt(t *testing.T) {
	q, effects := New("intake").Push(protocol.WorkItem{ID: "a"}, queueEpoch)

	if !q.Pending[0].CreatedAt.Equal(queueEpoch) {
		t.Errorf("CreatedAt = %v, want stamped %v", q.Pending[0].CreatedAt, queueEpoch)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvQueuePushed {
		t.Errorf("effects = %+v, want one queue:pushed", effects)
	}
}

func TestQueueClaim(t *testing.T) {
	q := pushN(t, New("intake"),
		protocol.WorkItem{ID: "low", Priority: 1},
		protocol.WorkItem{ID: "high", Priority: 9},
	)

	next, effects := q.Claim("c-1", 5*time.Minute, queueEpoch.Add(time.Minute))

	if len(next.Pending) != 1 || next.Pending[0].ID != "low" {
		t.Errorf("pending = %+v, want only low left", next.Pending)
	}
	if len(next.Claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(next.Claimed))
	}
	c := next.Claimed[0]
	if c.Item.ID != "high" || c.ClaimID != "c-1" {
		t.Errorf("claimed = %+v, want high under c-1", c)
	}
	wantVisible := queueEpoch.Add(time.Minute).Add(5 * time.Minute)
	if !c.VisibleAfter.Equal(wantVisible) {
		t.Errorf("VisibleAfter = %v, want %v", c.VisibleAfter, wantVisible)
	}

	if len(effects) != 1 {
		t.Fatalf("effects = %d, want 1", len(effects))
	}
	ev := effects[0].Event
	if ev.Kind != protocol.EvQueueClaimed || ev.Claim.ItemID != "high" || ev.Item == nil {
		t.Errorf("event = %+v, want queue:claimed carrying the item", ev)
	}
}

func TestQueueClaimEmpty(t *testing.T) {
	q := New("intake")

	next, effects := q.Claim("c-1", time.Minute, queueEpoch)

	if len(next.Pending) != 0 || len(next.Claimed) != 0 {
		t.Errorf("queue changed on empty claim: %+v", next)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvQueueEmpty {
		t.Errorf("effects = %+v, want one queue:empty", effects)
	}
}

func TestQueueClaimDuplicateIDIsNoOp(t *testing.T) {
	q := pushN(t, New("intake"),
		protocol.WorkItem{ID: "a", Priority: 9},
		protocol.WorkItem{ID: "b", Priority: 1},
	)
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)

	next, effects := q.Claim("c-1", time.Minute, queueEpoch.Add(time.Second))

	if len(next.Pending) != 1 || next.Pending[0].ID != "b" {
		t.Errorf("pending = %+v, want b untouched", next.Pending)
	}
	if len(next.Claimed) != 1 || next.Claimed[0].Item.ID != "a" {
		t.Errorf("claimed = %+v, want only the original a claim", next.Claimed)
	}
	if len(effects) != 0 {
		t.Errorf("effects = %+v, want none for an in-flight claim ID", effects)
	}
}

func TestQueueClaimZeroTimeoutNeverExpires(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a"})
	q, _ = q.Claim("c-1", 0, queueEpoch)

	if !q.Claimed[0].VisibleAfter.IsZero() {
		t.Fatalf("VisibleAfter = %v, want zero", q.Claimed[0].VisibleAfter)
	}

	next, effects := q.Tick(queueEpoch.Add(24 * time.Hour))
	if len(next.Claimed) != 1 || len(effects) != 0 {
		t.Errorf("zero-timeout claim expired: claimed=%d effects=%d", len(next.Claimed), len(effects))
	}
}

func TestQueueComplete(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a"})
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)

	next, effects := q.Complete("c-1", queueEpoch)

	if next.Len() != 0 {
		t.Errorf("Len() = %d after complete, want 0", next.Len())
	}
	if len(effects) != 0 {
		t.Errorf("effects = %d, want none", len(effects))
	}

	if same, _ := next.Complete("ghost", queueEpoch); same.Len() != 0 {
		t.Errorf("unknown claim mutated the queue")
	}
}

func TestQueueFailRequeues(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a", MaxAttempts: 3})
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)

	next, effects := q.Fail("c-1", "agent crashed", queueEpoch.Add(time.Minute))

	if len(next.Pending) != 1 || next.Pending[0].Attempts != 1 {
		t.Errorf("pending = %+v, want item back with attempts=1", next.Pending)
	}
	if len(next.DeadLetters) != 0 {
		t.Errorf("dead letters = %+v, want none", next.DeadLetters)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvQueueRequeued {
		t.Errorf("effects = %+v, want one queue:requeued", effects)
	}
}

func TestQueueFailDeadLetters(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a", Attempts: 2, MaxAttempts: 3})
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)

	next, effects := q.Fail("c-1", "agent crashed", queueEpoch.Add(time.Minute))

	if len(next.Pending) != 0 || len(next.Claimed) != 0 {
		t.Errorf("item still live: pending=%d claimed=%d", len(next.Pending), len(next.Claimed))
	}
	if len(next.DeadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(next.DeadLetters))
	}
	dl := next.DeadLetters[0]
	if dl.Item.Attempts != 3 || dl.Reason != "agent crashed" {
		t.Errorf("dead letter = %+v, want attempts=3 reason recorded", dl)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvQueueDeadLetter {
		t.Errorf("effects = %+v, want one queue:dead_letter", effects)
	}
}

func TestQueueTickReclaimsExpiredClaims(t *testing.T) {
	q := pushN(t, New("intake"),
		protocol.WorkItem{ID: "a", MaxAttempts: 3},
		protocol.WorkItem{ID: "b", MaxAttempts: 3},
	)
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)
	q, _ = q.Claim("c-2", 10*time.Minute, queueEpoch)

	// Two minutes in: c-1 expired, c-2 still visible-hidden.
	next, effects := q.Tick(queueEpoch.Add(2 * time.Minute))

	if len(next.Claimed) != 1 || next.Claimed[0].ClaimID != "c-2" {
		t.Errorf("claimed = %+v, want only c-2 kept", next.Claimed)
	}
	if len(next.Pending) != 1 || next.Pending[0].ID != "a" || next.Pending[0].Attempts != 1 {
		t.Errorf("pending = %+v, want a requeued with attempts=1", next.Pending)
	}
	if len(effects) != 2 {
		t.Fatalf("effects = %d, want reclaim + requeue", len(effects))
	}
	if effects[0].Event.Kind != protocol.EvQueueReclaimed || effects[1].Event.Kind != protocol.EvQueueRequeued {
		t.Errorf("effect kinds = %q, %q", effects[0].Event.Kind, effects[1].Event.Kind)
	}
}

func TestQueueTickDeadLettersExhaustedClaim(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a", Attempts: 2, MaxAttempts: 3})
	q, _ = q.Claim("c-1", time.Minute, queueEpoch)

	next, effects := q.Tick(queueEpoch.Add(2 * time.Minute))

	if len(next.DeadLetters) != 1 || next.DeadLetters[0].Reason != "visibility timeout" {
		t.Errorf("dead letters = %+v, want visibility timeout entry", next.DeadLetters)
	}
	if len(effects) != 2 || effects[1].Event.Kind != protocol.EvQueueDeadLetter {
		t.Errorf("effects = %+v, want reclaim + dead_letter", effects)
	}
}

func TestQueueTickNoExpiry(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a"})
	q, _ = q.Claim("c-1", 10*time.Minute, queueEpoch)

	next, effects := q.Tick(queueEpoch.Add(time.Minute))

	if len(effects) != 0 || len(next.Claimed) != 1 {
		t.Errorf("fresh claim disturbed: effects=%d claimed=%d", len(effects), len(next.Claimed))
	}
}

func TestQueueApplyIgnoresMalformedEvents(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a"})

	ev := protocol.NewEvent(protocol.EvQueueClaim, protocol.EntityRef{Scope: protocol.ScopeQueue, ID: "intake"}, queueEpoch)
	// No Claim payload.
	next, effects := q.Apply(ev, queueEpoch)

	if len(next.Pending) != 1 || len(effects) != 0 {
		t.Errorf("malformed claim mutated the queue: %+v", next)
	}

	unknown := protocol.NewEvent("queue:vacuum", protocol.EntityRef{Scope: protocol.ScopeQueue, ID: "intake"}, queueEpoch)
	if next, effects := q.Apply(unknown, queueEpoch); len(next.Pending) != 1 || len(effects) != 0 {
		t.Errorf("unknown kind mutated the queue")
	}
}

func TestQueueOperationsDoNotMutateReceiver(t *testing.T) {
	q := pushN(t, New("intake"), protocol.WorkItem{ID: "a"})

	_, _ = q.Claim("c-1", time.Minute, queueEpoch)

	if len(q.Pending) != 1 || len(q.Claimed) != 0 {
		t.Errorf("receiver mutated: pending=%d claimed=%d", len(q.Pending), len(q.Claimed))
	}
}
