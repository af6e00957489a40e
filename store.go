package main

import (
	"context"
	"time"

	"contractd/coordinator"
)

// StatusStore persists each node's diagnostic status. Statuses are for
// operators and the status command; nothing feeds them back into a
// coordinator.
type StatusStore interface {
	WriteNodeStatus(ctx context.Context, status *NodeStatus) error
	FetchNodeStatuses(ctx context.Context) ([]NodeStatus, error)
}

// NodeStatus is what one node last reported about itself.
type NodeStatus struct {
	Name string `json:"name"`

	// StatusUuid changes on every write so readers can tell two reports
	// apart even when nothing else changed.
	StatusUuid string `json:"status_uuid"`

	// NodeTime is the node's wall clock at the time of the report, in
	// RFC 3339.
	NodeTime string `json:"node_time"`

	Error *string `json:"error,omitempty"`

	PeerID           string              `json:"peer_id"`
	Topic            string              `json:"topic"`
	Running          bool                `json:"running"`
	Peers            []string            `json:"peers"`
	Contracts        []string            `json:"contracts"`
	Claims           []coordinator.Claim `json:"claims,omitempty"`
	PendingDecisions int                 `json:"pending_decisions"`
}

func (s NodeStatus) reportedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, s.NodeTime)
}
