// Package bus implements the pure event bus: pattern-matched routing of
// occurrences to named subscribers. Publishing performs no I/O — it
// returns one deliver effect per matched subscriber and leaves execution
// to the executor.
//
// Patterns are colon-separated segments with "*" matching exactly one
// segment: "pipeline:*" matches "pipeline:done" but not "task:done".
package bus

import (
	"strings"

	"loom/pkg/protocol"
)

// Subscription binds a subscriber name to a kind pattern.
type Subscription struct {
	Subscriber string `json:"subscriber"`
	Pattern    string `json:"pattern"`
}

// Bus is an immutable subscriber table.
type Bus struct {
	Subs []Subscription `json:"subs"`
}

// New returns an empty bus.
func New() Bus {
	return Bus{}
}

// Subscribe returns a bus with the subscription added. Duplicate
// (subscriber, pattern) pairs collapse to one.
func (b Bus) Subscribe(subscriber, pattern string) Bus {
	for _, s := range b.Subs {
		if s.Subscriber == subscriber && s.Pattern == pattern {
			return b
		}
	}
	next := b.clone()
	next.Subs = append(next.Subs, Subscription{Subscriber: subscriber, Pattern: pattern})
	return next
}

// Unsubscribe returns a bus with every subscription for subscriber
// removed.
func (b Bus) Unsubscribe(subscriber string) Bus {
	next := Bus{}
	for _, s := range b.Subs {
		if s.Subscriber != subscriber {
			next.Subs = append(next.Subs, s)
		}
	}
	return next
}

// Publish matches ev against every subscription, in subscription order,
// and returns one deliver effect per match. A subscriber with several
// matching patterns is delivered to once.
func (b Bus) Publish(ev protocol.Event) []protocol.Effect {
	var effects []protocol.Effect
	seen := make(map[string]bool)
	for _, s := range b.Subs {
		if seen[s.Subscriber] || !Match(s.Pattern, ev.Kind) {
			continue
		}
		seen[s.Subscriber] = true
		effects = append(effects, protocol.Effect{
			Kind:    protocol.EffDeliver,
			Origin:  ev.Entity,
			Deliver: &protocol.DeliverPayload{Subscriber: s.Subscriber, Event: ev},
		})
	}
	return effects
}

// Match reports whether a colon-separated pattern matches kind. "*"
// matches exactly one segment; segment counts must agree.
func Match(pattern, kind string) bool {
	if pattern == kind {
		return true
	}
	ps := strings.Split(pattern, ":")
	ks := strings.Split(kind, ":")
	if len(ps) != len(ks) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ks[i] {
			return false
		}
	}
	return true
}

func (b Bus) clone() Bus {
	return Bus{Subs: append([]Subscription(nil), b.Subs...)}
}
