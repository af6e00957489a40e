package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contractd/coordinator"
	"contractd/metrics"
	"contractd/transport"
	"contractd/transport/etcdbus"
	"contractd/transport/gossipsub"
	"contractd/transport/pgnotify"
	"contractd/transport/udp"
)

func daemon(ctx context.Context, conf config, log *zap.Logger) (err error) {
	var etcdClient *clientv3.Client
	if conf.usesEtcd() {
		etcdClient, err = connectEtcd(conf.Etcd)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
	}

	store, err := newStatusStore(ctx, conf, etcdClient, log.Named("store"))
	if err != nil {
		return err
	}

	tr, closer, err := newTransport(ctx, conf, etcdClient, log.Named("transport."+conf.Transport.Kind))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closer.Close())
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	coord, err := coordinator.New(tr, conf.Account,
		coordinator.WithConfig(conf.Coordinator.toCoordinator()),
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithMetrics(m),
		coordinator.WithAPIURL(conf.APIURL),
	)
	if err != nil {
		return err
	}

	driver := newStorageDriver(coord, conf.Storage, log.Named("storage"))
	if err := driver.attach(ctx); err != nil {
		return err
	}

	if err := startCoordinator(ctx, coord, log); err != nil {
		return err
	}

	api := newAPIServer(coord, tr, registry, log.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gctx, conf.ListenAddress, api.routes(), log)
	})
	g.Go(func() error {
		return driver.run(gctx)
	})
	if store != nil {
		g.Go(func() error {
			return statusReporterLoop(gctx, store, coord, conf, log.Named("reporter"))
		})
	}

	runErr := g.Wait()
	log.Info("Shutting down", zap.NamedError("cause", runErr))

	// Release while still subscribed so the RELEASE messages go out
	// before we leave the topic.
	shutdownErr := multierr.Combine(
		driver.shutdown(context.Background()),
		coord.Stop(),
	)

	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}
	return multierr.Append(runErr, shutdownErr)
}

// startCoordinator retries Start until the transport becomes ready or ctx
// ends. The coordinator itself never retries.
func startCoordinator(ctx context.Context, coord *coordinator.Coordinator, log *zap.Logger) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := coord.Start(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordinator.ErrTransportNotReady) {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}

		wait := b.Duration()
		log.Warn("Transport not ready, retrying coordinator start", zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func connectEtcd(conf etcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func newDynamoDBClient(ctx context.Context) (*dynamodb.Client, error) {
	awsConf, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsConf), nil
}

// newStatusStore returns nil when status reporting is disabled.
func newStatusStore(ctx context.Context, conf config, etcdClient *clientv3.Client, log *zap.Logger) (StatusStore, error) {
	switch conf.Store.Kind {
	case storeEtcd:
		return NewEtcdStatusStore(etcdClient, conf.Account, conf.NodeName, 3*conf.StatusInterval, log), nil
	case storeDynamoDB:
		client, err := newDynamoDBClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBStatusStore(client, conf.Account, conf.NodeName, log), nil
	case storeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown status store kind %q", conf.Store.Kind)
	}
}

func newTransport(ctx context.Context, conf config, etcdClient *clientv3.Client, log *zap.Logger) (transport.Transport, io.Closer, error) {
	switch conf.Transport.Kind {
	case transportLibp2p:
		cfg := gossipsub.DefaultConfig()
		cfg.ListenAddrs = conf.Transport.Libp2p.ListenAddrs
		cfg.BootstrapPeers = conf.Transport.Libp2p.BootstrapPeers
		cfg.EnableMDNS = conf.Transport.Libp2p.MDNS
		cfg.EnableDHT = conf.Transport.Libp2p.DHT
		t, err := gossipsub.New(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	case transportPostgres:
		t, err := pgnotify.New(ctx, conf.Transport.Postgres.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	case transportEtcd:
		t := etcdbus.New(etcdClient, conf.Transport.Etcd.MessageTTL, log)
		return t, t, nil

	case transportUDP:
		t, err := udp.New(udp.Config{
			ListenAddress: conf.Transport.UDP.Listen,
			Port:          conf.Transport.UDP.Port,
			Cluster:       conf.Account,
			Peers:         conf.Transport.UDP.Peers,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", conf.Transport.Kind)
	}
}
