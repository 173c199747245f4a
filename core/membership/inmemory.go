package membership

import (
	"context"
	"sort"
	"sync"
)

// InMemory is a single-process Membership shared by every node in a test or
// demo cluster: Join/Leave mutate a shared roster and fan out events to
// every active subscriber. There is no gossip or failure detector; a node
// is up exactly as long as nothing has called Leave for it.
type InMemory struct {
	mu      sync.Mutex
	nextAge uint64
	members map[string]Member
	subs    map[int]chan MemberEvent
	nextSub int
	self    string
}

// NewInMemory creates a fresh shared roster. Call Join for each simulated
// node, then [InMemory.For] to get the [Membership] view that node sees of
// itself (Self()).
func NewInMemory() *InMemory {
	return &InMemory{
		members: map[string]Member{},
		subs:    map[int]chan MemberEvent{},
	}
}

// Join admits a member with the given roles, assigning it the next age.
// Idempotent: joining an already-present id is a no-op.
func (r *InMemory) Join(id string, roles ...string) Member {
	r.mu.Lock()
	if m, ok := r.members[id]; ok {
		r.mu.Unlock()
		return m
	}
	m := Member{ID: id, Roles: roles, Age: r.nextAge}
	r.nextAge++
	r.members[id] = m
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	r.broadcast(subs, MemberEvent{Type: MemberUp, Member: m})
	return m
}

// Leave removes a member and notifies subscribers. No-op if id is unknown.
func (r *InMemory) Leave(id string) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, id)
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	r.broadcast(subs, MemberEvent{Type: MemberRemoved, Member: m})
}

func (r *InMemory) snapshotSubsLocked() []chan MemberEvent {
	out := make([]chan MemberEvent, 0, len(r.subs))
	for _, ch := range r.subs {
		out = append(out, ch)
	}
	return out
}

func (r *InMemory) broadcast(subs []chan MemberEvent, ev MemberEvent) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; membership events are level-triggered via
			// Snapshot so a dropped notification only delays reaction.
		}
	}
}

// For returns the Membership view for member id, i.e. what Self() reports.
// id must already have been Join'ed.
func (r *InMemory) For(id string) Membership {
	return &inMemoryView{roster: r, self: id}
}

type inMemoryView struct {
	roster *InMemory
	self   string
}

func (v *inMemoryView) Snapshot(role string) []Member {
	r := v.roster
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.HasRole(role) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age < out[j].Age })
	return out
}

func (v *inMemoryView) Subscribe(ctx context.Context) (<-chan MemberEvent, error) {
	r := v.roster
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan MemberEvent, 32)
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (v *inMemoryView) Self() Member {
	r := v.roster
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[v.self]
}

var _ Membership = (*inMemoryView)(nil)
