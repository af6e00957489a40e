package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdStatusStore struct {
	client      *clientv3.Client
	log         *zap.Logger
	clusterName string
	nodeName    string

	// statusTTL expires a node's status once it stops reporting.
	statusTTL time.Duration
}

func NewEtcdStatusStore(client *clientv3.Client, clusterName, nodeName string, statusTTL time.Duration, log *zap.Logger) *EtcdStatusStore {
	return &EtcdStatusStore{
		client:      client,
		log:         log,
		clusterName: clusterName,
		nodeName:    nodeName,
		statusTTL:   statusTTL,
	}
}

func (etcd *EtcdStatusStore) clusterPrefix() string {
	return "/" + etcd.clusterName
}

func (etcd *EtcdStatusStore) nodeStatusesPrefix() string {
	return etcd.clusterPrefix() + "/node-statuses"
}

func (etcd *EtcdStatusStore) nodeStatusKey(nodeName string) string {
	return etcd.nodeStatusesPrefix() + "/" + nodeName
}

func (etcd *EtcdStatusStore) WriteNodeStatus(ctx context.Context, status *NodeStatus) error {
	statusBytes, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal node status: %w", err)
	}

	var opts []clientv3.OpOption
	if ttl := int64(etcd.statusTTL / time.Second); ttl > 0 {
		lease, err := etcd.client.Grant(ctx, ttl)
		if err != nil {
			return fmt.Errorf("failed to grant node status lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := etcd.client.Put(ctx, etcd.nodeStatusKey(etcd.nodeName), string(statusBytes), opts...); err != nil {
		return fmt.Errorf("failed to write node status to etcd: %w", err)
	}

	return nil
}

func (etcd *EtcdStatusStore) FetchNodeStatuses(ctx context.Context) ([]NodeStatus, error) {
	resp, err := etcd.client.Get(ctx, etcd.nodeStatusesPrefix()+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get node statuses from etcd: %w", err)
	}

	nodes := []NodeStatus{}
	for _, kv := range resp.Kvs {
		nodeName := strings.TrimPrefix(string(kv.Key), etcd.nodeStatusesPrefix()+"/")

		var status NodeStatus
		if err := json.Unmarshal(kv.Value, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node status for %s: %w", nodeName, err)
		}
		if nodeName != status.Name {
			etcd.log.Warn("Ignoring node status stored under the wrong key",
				zap.String("key", string(kv.Key)),
				zap.String("name", status.Name),
			)
			continue
		}

		nodes = append(nodes, status)
	}

	return nodes, nil
}
