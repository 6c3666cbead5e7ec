package projection

import (
	"sort"

	"github.com/shogotsuneto/go-simple-mirror"
)

// OwnedToken is the replayed ownership record of one token.
type OwnedToken struct {
	TokenID   string
	Owner     string
	Minter    string
	MintedAt  int64
	UpdatedAt int64
	Transfers int
	Burned    bool
}

// Tokens replays mint, transfer and burn events. The first mint of a token
// wins; transfers move ownership to the event target; a burn is terminal.
func Tokens(events []mirror.Event) map[string]OwnedToken {
	return tokensFromOrdered(Replay(events))
}

// OwnedBy returns the live tokens held by owner, sorted by token ID.
func OwnedBy(events []mirror.Event, owner string) []OwnedToken {
	return ownedBy(Tokens(events), owner)
}

func tokensFromOrdered(events []mirror.Event) map[string]OwnedToken {
	tokens := make(map[string]OwnedToken)

	for _, e := range events {
		id := e.TokenID()
		if id == "" {
			continue
		}
		token, exists := tokens[id]

		switch e.Type {
		case mirror.TypeTokenMint:
			if exists {
				continue
			}
			owner := e.Target
			if owner == "" {
				owner = e.Actor
			}
			tokens[id] = OwnedToken{
				TokenID:   id,
				Owner:     owner,
				Minter:    e.Actor,
				MintedAt:  e.Timestamp,
				UpdatedAt: e.Timestamp,
			}

		case mirror.TypeTokenTransfer:
			if !exists || token.Burned || e.Target == "" {
				continue
			}
			token.Owner = e.Target
			token.Transfers++
			token.UpdatedAt = e.Timestamp
			tokens[id] = token

		case mirror.TypeTokenBurn:
			if !exists || token.Burned {
				continue
			}
			token.Burned = true
			token.UpdatedAt = e.Timestamp
			tokens[id] = token
		}
	}
	return tokens
}

func ownedBy(tokens map[string]OwnedToken, owner string) []OwnedToken {
	var result []OwnedToken
	for _, t := range tokens {
		if !t.Burned && t.Owner == owner {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenID < result[j].TokenID })
	return result
}
