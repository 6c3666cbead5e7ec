// Package projection derives state from canonical events by replaying them in
// ascending timestamp order. Nothing here is persisted; every query replays.
package projection

import (
	"slices"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Source provides the events to replay.
type Source interface {
	// All returns events most recently appended first.
	All() []mirror.Event
}

// Replay returns a copy of events in replay order regardless of the order in
// which they were appended.
func Replay(events []mirror.Event) []mirror.Event {
	ordered := slices.Clone(events)
	mirror.SortForReplay(ordered)
	return ordered
}

// View answers derived queries over a Source.
type View struct {
	source        Source
	trustCapacity float64
}

// NewView creates a view. A trustCapacity <= 0 uses DefaultTrustCapacity.
func NewView(source Source, trustCapacity float64) *View {
	if trustCapacity <= 0 {
		trustCapacity = DefaultTrustCapacity
	}
	return &View{source: source, trustCapacity: trustCapacity}
}

func (v *View) events() []mirror.Event {
	all := slices.Clone(v.source.All())
	// All is newest first; reversing keeps append order for exact ties
	slices.Reverse(all)
	mirror.SortForReplay(all)
	return all
}

// Bonds returns the bonded contacts of self.
func (v *View) Bonds(self string) []Bond {
	return bondsFromOrdered(v.events(), self)
}

// Trust returns the allocation ledger of issuer.
func (v *View) Trust(issuer string) TrustLedger {
	return trustFromOrdered(v.events(), issuer, v.trustCapacity)
}

// TrustReceived returns live allocations targeting peer.
func (v *View) TrustReceived(peer string) []Allocation {
	return receivedFromOrdered(v.events(), peer, v.trustCapacity)
}

// Tokens returns every token ever minted keyed by token ID.
func (v *View) Tokens() map[string]OwnedToken {
	return tokensFromOrdered(v.events())
}

// OwnedBy returns the live tokens held by owner.
func (v *View) OwnedBy(owner string) []OwnedToken {
	return ownedBy(tokensFromOrdered(v.events()), owner)
}
