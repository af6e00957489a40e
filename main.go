package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	conf, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(conf.LogLevel, conf.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("logger init: %w", err))
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log = log.With(zap.String("account", conf.Account), zap.String("node", conf.NodeName))
	if err := run(ctx, conf, os.Stdout, log); err != nil {
		log.Fatal("Fatal error", zap.Error(err))
	}
}

func run(ctx context.Context, conf config, stdout io.Writer, log *zap.Logger) error {
	switch conf.command {
	case "daemon":
		log.Info("Starting contract coordinator", zap.String("transport", conf.Transport.Kind), zap.String("store", conf.Store.Kind))
		return daemon(ctx, conf, log)
	case "status":
		return printStatus(ctx, conf, stdout, log)
	case "init-table":
		client, err := newDynamoDBClient(ctx)
		if err != nil {
			return err
		}
		return NewDynamoDBStatusStore(client, conf.Account, conf.NodeName, log).InitTable(ctx)
	default:
		return fmt.Errorf("unknown command %q", conf.command)
	}
}

func printStatus(ctx context.Context, conf config, stdout io.Writer, log *zap.Logger) error {
	var store StatusStore
	switch conf.Store.Kind {
	case storeEtcd:
		client, err := connectEtcd(conf.Etcd)
		if err != nil {
			return err
		}
		defer client.Close()
		store = NewEtcdStatusStore(client, conf.Account, conf.NodeName, 0, log)
	case storeDynamoDB:
		client, err := newDynamoDBClient(ctx)
		if err != nil {
			return err
		}
		store = NewDynamoDBStatusStore(client, conf.Account, conf.NodeName, log)
	default:
		return fmt.Errorf("status needs a status store, got %q", conf.Store.Kind)
	}

	return writeSummary(ctx, store, conf.StatusInterval, time.Now(), stdout)
}

// writeSummary prints the cluster summary as indented JSON. A node is
// stale after missing three reports.
func writeSummary(ctx context.Context, store StatusStore, statusInterval time.Duration, now time.Time, stdout io.Writer) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nodes, err := store.FetchNodeStatuses(fetchCtx)
	if err != nil {
		return err
	}

	summary := ComputeClusterSummary(nodes, now, 3*statusInterval)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary ClusterSummary `json:"summary"`
		Nodes   []NodeStatus   `json:"nodes"`
	}{summary, nodes})
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl

	return cfg.Build()
}
