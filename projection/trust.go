package projection

import (
	"sort"

	"github.com/shogotsuneto/go-simple-mirror"
)

// DefaultTrustCapacity is the allocation ceiling per issuer.
const DefaultTrustCapacity = 9

// AllocationState is the lifecycle state of a trust allocation.
type AllocationState string

const (
	StatePending  AllocationState = "pending"
	StateBonded   AllocationState = "bonded"
	StateDeclined AllocationState = "declined"
	StateRevoked  AllocationState = "revoked"
)

// Live reports whether the state consumes allocation capacity.
func (s AllocationState) Live() bool {
	return s == StatePending || s == StateBonded
}

// Allocation is the trust one issuer extends to one peer.
type Allocation struct {
	Issuer    string
	Peer      string
	Weight    float64
	State     AllocationState
	OpenedAt  int64
	UpdatedAt int64
}

// TrustLedger summarizes the allocations made by one issuer.
type TrustLedger struct {
	Issuer   string
	Capacity float64
	// Used is the weight held by pending and bonded allocations
	Used        float64
	Allocations []Allocation
}

// Remaining returns the unallocated capacity.
func (l TrustLedger) Remaining() float64 {
	return l.Capacity - l.Used
}

// Allocation returns the allocation to peer, in any state.
func (l TrustLedger) Allocation(peer string) (Allocation, bool) {
	for _, a := range l.Allocations {
		if a.Peer == peer {
			return a, true
		}
	}
	return Allocation{}, false
}

// Trust replays events and returns issuer's ledger.
//
// TRUST_ALLOCATE opens (or reopens after a terminal state) a pending
// allocation; TRUST_ACCEPT from the peer bonds it; TRUST_DECLINE from the peer
// and TRUST_REVOKE from the issuer are terminal. Allocations that would push
// the issuer past capacity are ignored.
func Trust(events []mirror.Event, issuer string, capacity float64) TrustLedger {
	return trustFromOrdered(Replay(events), issuer, capacity)
}

// TrustReceived returns the live allocations other issuers hold for peer.
func TrustReceived(events []mirror.Event, peer string, capacity float64) []Allocation {
	return receivedFromOrdered(Replay(events), peer, capacity)
}

func trustFromOrdered(events []mirror.Event, issuer string, capacity float64) TrustLedger {
	if capacity <= 0 {
		capacity = DefaultTrustCapacity
	}
	allocs := replayTrust(events, capacity)[issuer]

	ledger := TrustLedger{Issuer: issuer, Capacity: capacity}
	for _, a := range allocs {
		if a.State.Live() {
			ledger.Used += a.Weight
		}
		ledger.Allocations = append(ledger.Allocations, *a)
	}
	sort.Slice(ledger.Allocations, func(i, j int) bool {
		return ledger.Allocations[i].Peer < ledger.Allocations[j].Peer
	})
	return ledger
}

func receivedFromOrdered(events []mirror.Event, peer string, capacity float64) []Allocation {
	if capacity <= 0 {
		capacity = DefaultTrustCapacity
	}
	var result []Allocation
	for _, byPeer := range replayTrust(events, capacity) {
		if a, ok := byPeer[peer]; ok && a.State.Live() {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Issuer < result[j].Issuer })
	return result
}

// replayTrust runs the allocation state machine for every issuer.
func replayTrust(events []mirror.Event, capacity float64) map[string]map[string]*Allocation {
	ledgers := make(map[string]map[string]*Allocation)
	used := make(map[string]float64)

	lookup := func(issuer, peer string) *Allocation {
		return ledgers[issuer][peer]
	}

	for _, e := range events {
		if e.Actor == "" || e.Target == "" || e.Actor == e.Target {
			continue
		}

		switch e.Type {
		case mirror.TypeTrustAllocate:
			issuer, peer := e.Actor, e.Target
			weight := allocationWeight(e)
			existing := lookup(issuer, peer)

			held := 0.0
			if existing != nil && existing.State.Live() {
				held = existing.Weight
			}
			if used[issuer]-held+weight > capacity {
				continue
			}
			used[issuer] += weight - held

			if existing != nil && existing.State.Live() {
				existing.Weight = weight
				existing.UpdatedAt = e.Timestamp
				continue
			}
			if ledgers[issuer] == nil {
				ledgers[issuer] = make(map[string]*Allocation)
			}
			ledgers[issuer][peer] = &Allocation{
				Issuer:    issuer,
				Peer:      peer,
				Weight:    weight,
				State:     StatePending,
				OpenedAt:  e.Timestamp,
				UpdatedAt: e.Timestamp,
			}

		case mirror.TypeTrustAccept:
			// the peer accepts the issuer's allocation
			if a := lookup(e.Target, e.Actor); a != nil && a.State == StatePending {
				a.State = StateBonded
				a.UpdatedAt = e.Timestamp
			}

		case mirror.TypeTrustDecline:
			if a := lookup(e.Target, e.Actor); a != nil && a.State.Live() {
				a.State = StateDeclined
				a.UpdatedAt = e.Timestamp
				used[a.Issuer] -= a.Weight
			}

		case mirror.TypeTrustRevoke:
			if a := lookup(e.Actor, e.Target); a != nil && a.State.Live() {
				a.State = StateRevoked
				a.UpdatedAt = e.Timestamp
				used[a.Issuer] -= a.Weight
			}
		}
	}
	return ledgers
}

func allocationWeight(e mirror.Event) float64 {
	if w, ok := e.MetadataFloat("weight"); ok && w > 0 {
		return w
	}
	return 1
}
