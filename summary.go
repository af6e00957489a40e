package main

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type ClusterHealth string

const (
	ClusterHealthHealthy   ClusterHealth = "healthy"
	ClusterHealthUnhealthy ClusterHealth = "unhealthy"
)

// ClusterSummary is the status command's view of a cluster, built only
// from what nodes reported about themselves.
type ClusterSummary struct {
	Health        ClusterHealth `json:"health"`
	HealthReasons []string      `json:"health_reasons"`

	Nodes []string `json:"nodes"`

	// Holders maps every contract some node stores to the nodes storing
	// it.
	Holders map[string][]string `json:"holders"`
}

// ComputeClusterSummary checks node statuses for problems an operator
// should look at. Reports older than staleAfter (by now) are flagged, as
// is any contract more than one node reports storing.
func ComputeClusterSummary(nodes []NodeStatus, now time.Time, staleAfter time.Duration) ClusterSummary {
	summary := ClusterSummary{
		HealthReasons: []string{},
		Nodes:         []string{},
		Holders:       map[string][]string{},
	}

	// Sort for consistent ordering
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b NodeStatus) int {
		return strings.Compare(a.Name, b.Name)
	})

	if len(sorted) == 0 {
		summary.HealthReasons = append(summary.HealthReasons, "No nodes in the cluster")
	}

	for _, node := range sorted {
		summary.Nodes = append(summary.Nodes, node.Name)

		if node.Error != nil {
			summary.HealthReasons = append(summary.HealthReasons, fmt.Sprintf("Node %s has an error: %s", node.Name, *node.Error))
			continue
		}

		if !node.Running {
			summary.HealthReasons = append(summary.HealthReasons, fmt.Sprintf("Node %s is not running the coordinator", node.Name))
		}

		reportedAt, err := node.reportedAt()
		if err != nil {
			summary.HealthReasons = append(summary.HealthReasons, fmt.Sprintf("Node %s reported an unparseable time %q", node.Name, node.NodeTime))
		} else if age := now.Sub(reportedAt); age > staleAfter {
			summary.HealthReasons = append(summary.HealthReasons, fmt.Sprintf("Node %s last reported %s ago", node.Name, age.Round(time.Second)))
		}

		if len(sorted) > 1 && len(node.Peers) == 0 {
			summary.HealthReasons = append(summary.HealthReasons, fmt.Sprintf("Node %s sees no peers", node.Name))
		}

		for _, contract := range node.Contracts {
			summary.Holders[contract] = append(summary.Holders[contract], node.Name)
		}
	}

	contracts := make([]string, 0, len(summary.Holders))
	for contract := range summary.Holders {
		contracts = append(contracts, contract)
	}
	slices.Sort(contracts)
	for _, contract := range contracts {
		holders := summary.Holders[contract]
		if len(holders) > 1 {
			reason := fmt.Sprintf("Contract %s is stored by %d nodes: %s", contract, len(holders), strings.Join(holders, ", "))
			summary.HealthReasons = append(summary.HealthReasons, reason)
		}
	}

	if len(summary.HealthReasons) > 0 {
		summary.Health = ClusterHealthUnhealthy
	} else {
		summary.Health = ClusterHealthHealthy
	}
	return summary
}
