package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"contractd/coordinator"
)

// statusReporterLoop periodically writes this node's status to the store.
func statusReporterLoop(ctx context.Context, store StatusStore, coord *coordinator.Coordinator, conf config, log *zap.Logger) error {
	ticker := time.NewTicker(conf.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("returning ctx.Done() error in status reporter loop: %w", ctx.Err())
		case <-ticker.C:
			if err := storeNodeStatus(ctx, store, coord, conf); err != nil {
				log.Warn("Failed to store node status", zap.Error(err))
			}
		}
	}
}

func storeNodeStatus(ctx context.Context, store StatusStore, coord *coordinator.Coordinator, conf config) error {
	status := buildNodeStatus(conf.NodeName, coord.State(), time.Now())

	wCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := store.WriteNodeStatus(wCtx, status)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to write node status to store: %w", err)
	}

	return nil
}

func buildNodeStatus(nodeName string, state coordinator.State, now time.Time) *NodeStatus {
	status := &NodeStatus{
		Name:             nodeName,
		StatusUuid:       uuid.NewString(),
		NodeTime:         now.UTC().Format(time.RFC3339),
		PeerID:           state.PeerID,
		Topic:            state.Topic,
		Running:          state.Running,
		Peers:            state.Peers,
		Contracts:        state.Contracts,
		Claims:           state.Claims,
		PendingDecisions: len(state.Pending),
	}
	if !state.Running {
		errStr := "coordinator is not running"
		status.Error = &errStr
	}
	return status
}
