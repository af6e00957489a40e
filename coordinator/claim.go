package coordinator

import (
	"time"
)

// Claim is this node's belief about who stores a contract. Only the claim
// with the latest timestamp seen so far is kept.
type Claim struct {
	ContractID string `json:"contractId"`

	// PeerID is the peer asserting storage.
	PeerID string `json:"peerId"`

	// Timestamp is when the claimant asserted the claim, on the
	// claimant's clock.
	Timestamp time.Time `json:"timestamp"`
}

// supersedes reports whether incoming should replace existing under
// last-write-wins. Ties keep the existing record.
func supersedes(existing *Claim, incoming Claim) bool {
	if existing == nil {
		return true
	}
	return existing.Timestamp.Before(incoming.Timestamp)
}

// age is how long ago the claim was asserted, as seen from now.
func (c *Claim) age(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}

// isFresh reports whether the claim is recent enough to be honored when
// deciding whether to pick a contract up.
func (c *Claim) isFresh(now time.Time, window time.Duration) bool {
	if c == nil {
		return false
	}
	return c.age(now) < window
}

type decision struct {
	schedule bool
	comment  string
}

// evaluateContract decides whether a contract that this node does not
// store looks unclaimed.
func evaluateContract(claim *Claim, pending bool, now time.Time, window time.Duration) decision {
	if claim.isFresh(now, window) {
		return decision{
			schedule: false,
			comment:  "Contract has a fresh claim, leaving it alone",
		}
	}

	if pending {
		return decision{
			schedule: false,
			comment:  "Decision already pending for contract",
		}
	}

	if claim == nil {
		return decision{
			schedule: true,
			comment:  "No claim for contract, scheduling decision",
		}
	}

	return decision{
		schedule: true,
		comment:  "Claim for contract is stale, scheduling decision",
	}
}
