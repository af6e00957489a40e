package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func zapTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
}

func TestWriteSummary(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	store := newMemoryStatusStore()
	for _, name := range []string{"node1", "node2"} {
		require.NoError(t, store.WriteNodeStatus(context.Background(), &NodeStatus{
			Name:      name,
			NodeTime:  now.Add(-5 * time.Second).Format(time.RFC3339),
			Running:   true,
			Peers:     []string{"other"},
			Contracts: []string{"QmA"},
		}))
	}

	var out bytes.Buffer
	require.NoError(t, writeSummary(context.Background(), store, 10*time.Second, now, &out))

	var decoded struct {
		Summary ClusterSummary `json:"summary"`
		Nodes   []NodeStatus   `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))

	assert.Len(t, decoded.Nodes, 2)
	assert.Equal(t, []string{"node1", "node2"}, decoded.Summary.Nodes)
	assert.Equal(t, ClusterHealthUnhealthy, decoded.Summary.Health)
	assert.Equal(t, []string{"Contract QmA is stored by 2 nodes: node1, node2"}, decoded.Summary.HealthReasons)
}

func TestWriteSummary_FetchError(t *testing.T) {
	store := newMemoryStatusStore()
	store.fetchErr = errors.New("store down")

	var out bytes.Buffer
	err := writeSummary(context.Background(), store, 10*time.Second, time.Now(), &out)
	assert.ErrorContains(t, err, "store down")
	assert.Zero(t, out.Len())
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = newLogger("warn", "console")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = newLogger("loud", "json")
	assert.Error(t, err)
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run(context.Background(), config{command: "frobnicate"}, &bytes.Buffer{}, zap.NewNop())
	assert.ErrorContains(t, err, `unknown command "frobnicate"`)
}

func TestPrintStatus_NeedsStore(t *testing.T) {
	conf := config{command: "status"}
	conf.Store.Kind = storeNone
	err := run(context.Background(), conf, &bytes.Buffer{}, zap.NewNop())
	assert.ErrorContains(t, err, "status needs a status store")
}
