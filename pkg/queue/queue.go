// Package queue implements the pure prioritized work queue: push, claim
// with visibility timeout, complete, fail with retry budget, and the
// maintenance tick that reclaims work orphaned by crashed consumers.
//
// Every operation returns a new Queue plus the effects it produced; the
// receiver is never mutated. Undefined operations (unknown claim IDs,
// unknown event kinds) are silent no-ops.
package queue

import (
	"sort"
	"time"

	"loom/pkg/protocol"
)

// Claimed is a pending item handed to a consumer, hidden from other
// consumers until VisibleAfter.
type Claimed struct {
	Item         protocol.WorkItem `json:"item"`
	ClaimID      string            `json:"claim_id"`
	ClaimedAt    time.Time         `json:"claimed_at"`
	VisibleAfter time.Time         `json:"visible_after"`
}

// DeadLetter is an item set aside after exhausting its retry budget.
type DeadLetter struct {
	Item     protocol.WorkItem `json:"item"`
	Reason   string            `json:"reason"`
	FailedAt time.Time         `json:"failed_at"`
}

// Queue holds prioritized pending work, claimed work, and dead letters.
type Queue struct {
	Name        string              `json:"name"`
	Pending     []protocol.WorkItem `json:"pending"`
	Claimed     []Claimed           `json:"claimed"`
	DeadLetters []DeadLetter        `json:"dead_letters"`
}

// New returns an empty queue with the given name.
func New(name string) Queue {
	return Queue{Name: name}
}

// Len returns the total number of items the queue is accountable for.
// This only changes via Push and Complete.
func (q Queue) Len() int {
	return len(q.Pending) + len(q.Claimed) + len(q.DeadLetters)
}

func (q Queue) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeQueue, ID: q.Name}
}

// Apply routes a queue command event to the matching operation.
func (q Queue) Apply(ev protocol.Event, now time.Time) (Queue, []protocol.Effect) {
	switch ev.Kind {
	case protocol.EvQueuePush:
		if ev.Item == nil {
			return q, nil
		}
		return q.Push(*ev.Item, now)
	case protocol.EvQueueClaim:
		if ev.Claim == nil {
			return q, nil
		}
		return q.Claim(ev.Claim.ClaimID, ev.Claim.Timeout, now)
	case protocol.EvQueueComplete:
		if ev.Claim == nil {
			return q, nil
		}
		return q.Complete(ev.Claim.ClaimID, now)
	case protocol.EvQueueFail:
		if ev.Claim == nil {
			return q, nil
		}
		return q.Fail(ev.Claim.ClaimID, ev.Claim.Reason, now)
	case protocol.EvQueueTick:
		return q.Tick(now)
	default:
		return q, nil
	}
}

// Push inserts an item and re-sorts pending by priority desc, created_at
// asc. A zero CreatedAt is stamped with now.
func (q Queue) Push(item protocol.WorkItem, now time.Time) (Queue, []protocol.Effect) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	next := q.clone()
	next.Pending = append(next.Pending, item)
	sortPending(next.Pending)

	ev := protocol.NewEvent(protocol.EvQueuePushed, q.ref(), now)
	ev.Claim = &protocol.ClaimPayload{ItemID: item.ID}
	return next, []protocol.Effect{protocol.Publish(q.ref(), ev)}
}

// Claim pops the highest-priority pending item and moves it to claimed.
// When timeout is zero the claim never expires on its own. An empty
// queue emits queue:empty and leaves the queue unchanged. A claim ID
// already in flight is rejected without popping anything.
func (q Queue) Claim(claimID string, timeout time.Duration, now time.Time) (Queue, []protocol.Effect) {
	if q.claimIndex(claimID) >= 0 {
		return q, nil
	}
	if len(q.Pending) == 0 {
		ev := protocol.NewEvent(protocol.EvQueueEmpty, q.ref(), now)
		ev.Claim = &protocol.ClaimPayload{ClaimID: claimID}
		return q, []protocol.Effect{protocol.Publish(q.ref(), ev)}
	}

	next := q.clone()
	item := next.Pending[0]
	next.Pending = next.Pending[1:]

	visibleAfter := time.Time{}
	if timeout > 0 {
		visibleAfter = now.Add(timeout)
	}
	next.Claimed = append(next.Claimed, Claimed{
		Item:         item,
		ClaimID:      claimID,
		ClaimedAt:    now,
		VisibleAfter: visibleAfter,
	})

	ev := protocol.NewEvent(protocol.EvQueueClaimed, q.ref(), now)
	ev.Claim = &protocol.ClaimPayload{ClaimID: claimID, ItemID: item.ID}
	ev.Item = &item
	return next, []protocol.Effect{protocol.Publish(q.ref(), ev)}
}

// Complete drops a claimed item. Unknown claim IDs are a no-op.
func (q Queue) Complete(claimID string, now time.Time) (Queue, []protocol.Effect) {
	idx := q.claimIndex(claimID)
	if idx < 0 {
		return q, nil
	}
	next := q.clone()
	next.Claimed = append(next.Claimed[:idx:idx], next.Claimed[idx+1:]...)
	return next, nil
}

// Fail returns a claimed item to pending with attempts incremented, or
// dead-letters it when the retry budget is exhausted.
func (q Queue) Fail(claimID, reason string, now time.Time) (Queue, []protocol.Effect) {
	idx := q.claimIndex(claimID)
	if idx < 0 {
		return q, nil
	}
	next := q.clone()
	c := next.Claimed[idx]
	next.Claimed = append(next.Claimed[:idx:idx], next.Claimed[idx+1:]...)
	return next.retire(c.Item, reason, now)
}

// Tick partitions claimed items by visibility expiry. Expired claims
// increment attempts and either return to pending or dead-letter. This
// is how work orphaned by a crashed consumer comes back without an
// explicit release.
func (q Queue) Tick(now time.Time) (Queue, []protocol.Effect) {
	var expired []Claimed
	var kept []Claimed
	for _, c := range q.Claimed {
		if !c.VisibleAfter.IsZero() && now.After(c.VisibleAfter) {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	if len(expired) == 0 {
		return q, nil
	}

	next := q.clone()
	next.Claimed = kept

	var effects []protocol.Effect
	for _, c := range expired {
		ev := protocol.NewEvent(protocol.EvQueueReclaimed, q.ref(), now)
		ev.Claim = &protocol.ClaimPayload{ClaimID: c.ClaimID, ItemID: c.Item.ID}
		effects = append(effects, protocol.Publish(q.ref(), ev))

		var more []protocol.Effect
		next, more = next.retire(c.Item, "visibility timeout", now)
		effects = append(effects, more...)
	}
	return next, effects
}

// retire increments an item's attempts and routes it back to pending or
// into the dead-letter list.
func (q Queue) retire(item protocol.WorkItem, reason string, now time.Time) (Queue, []protocol.Effect) {
	item.Attempts++
	if item.MaxAttempts > 0 && item.Attempts >= item.MaxAttempts {
		next := q.clone()
		next.DeadLetters = append(next.DeadLetters, DeadLetter{
			Item:     item,
			Reason:   reason,
			FailedAt: now,
		})
		ev := protocol.NewEvent(protocol.EvQueueDeadLetter, q.ref(), now)
		ev.Claim = &protocol.ClaimPayload{ItemID: item.ID, Reason: reason}
		ev.Item = &item
		return next, []protocol.Effect{protocol.Publish(q.ref(), ev)}
	}

	next := q.clone()
	next.Pending = append(next.Pending, item)
	sortPending(next.Pending)
	ev := protocol.NewEvent(protocol.EvQueueRequeued, q.ref(), now)
	ev.Claim = &protocol.ClaimPayload{ItemID: item.ID, Reason: reason}
	return next, []protocol.Effect{protocol.Publish(q.ref(), ev)}
}

func (q Queue) claimIndex(claimID string) int {
	for i, c := range q.Claimed {
		if c.ClaimID == claimID {
			return i
		}
	}
	return -1
}

// clone copies the queue's slices so the receiver stays untouched.
func (q Queue) clone() Queue {
	out := Queue{Name: q.Name}
	out.Pending = append([]protocol.WorkItem(nil), q.Pending...)
	out.Claimed = append([]Claimed(nil), q.Claimed...)
	out.DeadLetters = append([]DeadLetter(nil), q.DeadLetters...)
	return out
}

// sortPending orders items by priority desc, then created_at asc. The
// sort is stable so equal items keep insertion order.
func sortPending(items []protocol.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
