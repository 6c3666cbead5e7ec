package projection

import (
	"sort"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Bond is a mutual contact relationship between self and Peer.
type Bond struct {
	Peer string
	// RequestedBy is the account that sent the contact request
	RequestedBy string
	RequestedAt int64
	BondedAt    int64
}

type pair struct{ from, to string }

// Bonds returns the peers of self with both a CONTACT_REQUEST and a matching
// CONTACT_ACCEPT from the other side.
func Bonds(events []mirror.Event, self string) []Bond {
	return bondsFromOrdered(Replay(events), self)
}

func bondsFromOrdered(events []mirror.Event, self string) []Bond {
	requests := make(map[pair]int64)
	accepts := make(map[pair]int64)

	for _, e := range events {
		if e.Actor == "" || e.Target == "" || e.Actor == e.Target {
			continue
		}
		if e.Actor != self && e.Target != self {
			continue
		}
		key := pair{from: e.Actor, to: e.Target}
		switch e.Type {
		case mirror.TypeContactRequest:
			if _, seen := requests[key]; !seen {
				requests[key] = e.Timestamp
			}
		case mirror.TypeContactAccept:
			if _, seen := accepts[key]; !seen {
				accepts[key] = e.Timestamp
			}
		}
	}

	bonds := make(map[string]Bond)
	for req, requestedAt := range requests {
		acceptedAt, ok := accepts[pair{from: req.to, to: req.from}]
		if !ok {
			continue
		}
		peer := req.to
		if peer == self {
			peer = req.from
		}
		existing, seen := bonds[peer]
		if seen && existing.RequestedAt <= requestedAt {
			continue
		}
		bonds[peer] = Bond{
			Peer:        peer,
			RequestedBy: req.from,
			RequestedAt: requestedAt,
			BondedAt:    max(acceptedAt, requestedAt),
		}
	}

	result := make([]Bond, 0, len(bonds))
	for _, b := range bonds {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Peer < result[j].Peer })
	return result
}
