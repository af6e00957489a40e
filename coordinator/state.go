package coordinator

import (
	"slices"
	"sort"
)

// Contract is a storage obligation the owning application may pick up.
// The coordinator only needs its identifier; the rest travels back to the
// application unchanged on should-store.
type Contract struct {
	ID    string `json:"id"`
	CID   string `json:"cid,omitempty"`
	Owner string `json:"owner,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

// ContractID returns the contract's identifier, falling back to its CID.
func (c Contract) ContractID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.CID
}

// State is a point-in-time copy of the coordinator's view of the cluster.
// Every slice is freshly allocated and sorted.
type State struct {
	Topic     string   `json:"topic"`
	PeerID    string   `json:"peerId"`
	APIURL    string   `json:"apiUrl,omitempty"`
	Running   bool     `json:"running"`
	Peers     []string `json:"peers"`
	Claims    []Claim  `json:"claims"`
	Contracts []string `json:"contracts"`
	Pending   []string `json:"pending"`
}

// ClaimFor returns the claim recorded for contractID, if any.
func (s State) ClaimFor(contractID string) (Claim, bool) {
	i, found := slices.BinarySearchFunc(s.Claims, contractID, func(c Claim, id string) int {
		switch {
		case c.ContractID < id:
			return -1
		case c.ContractID > id:
			return 1
		}
		return 0
	})
	if !found {
		return Claim{}, false
	}
	return s.Claims[i], true
}

// snapshotLocked copies the coordinator state. c.mu must be held.
func (c *Coordinator) snapshotLocked() State {
	s := State{
		Topic:     c.topic,
		PeerID:    c.selfID,
		APIURL:    c.apiURL,
		Running:   c.running,
		Peers:     sortedKeys(c.peers),
		Contracts: sortedKeys(c.local),
		Pending:   sortedKeys(c.pending),
		Claims:    make([]Claim, 0, len(c.claims)),
	}
	for _, claim := range c.claims {
		s.Claims = append(s.Claims, *claim)
	}
	sort.Slice(s.Claims, func(i, j int) bool {
		return s.Claims[i].ContractID < s.Claims[j].ContractID
	})

	c.observeLocked()
	return s
}

// observeLocked updates the size gauges. c.mu must be held.
func (c *Coordinator) observeLocked() {
	c.metrics.Observe(len(c.peers), len(c.claims), len(c.local), len(c.pending))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
