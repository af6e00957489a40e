package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"contractd/coordinator"
)

// storageDriver plays the storage application's part: it declares the
// contracts this node stores and acts on should-store recommendations.
type storageDriver struct {
	coord *coordinator.Coordinator
	conf  storageConfig
	log   *zap.Logger

	// recommendations is filled by the coordinator's event callback and
	// drained by run, so claims never happen inside event dispatch.
	recommendations chan coordinator.Contract
	unsubscribe     func()
}

func newStorageDriver(coord *coordinator.Coordinator, conf storageConfig, log *zap.Logger) *storageDriver {
	return &storageDriver{
		coord:           coord,
		conf:            conf,
		log:             log,
		recommendations: make(chan coordinator.Contract, 64),
	}
}

// attach subscribes to coordinator events and records the configured
// contracts. Call it before the coordinator starts so the HELLO already
// carries them.
func (d *storageDriver) attach(ctx context.Context) error {
	d.unsubscribe = d.coord.Subscribe(d.handleEvent)

	for _, id := range d.conf.Contracts {
		if err := d.coord.ClaimContract(ctx, id); err != nil {
			return fmt.Errorf("failed to claim configured contract %q: %w", id, err)
		}
	}
	return nil
}

func (d *storageDriver) handleEvent(evt coordinator.Event) {
	if evt.Kind != coordinator.EventShouldStore || evt.Contract == nil {
		return
	}

	select {
	case d.recommendations <- *evt.Contract:
	default:
		d.log.Warn("Dropping pickup recommendation, driver is busy", zap.String("contract_id", evt.Contract.ContractID()))
	}
}

func (d *storageDriver) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("returning ctx.Done() error in storage driver: %w", ctx.Err())
		case contract := <-d.recommendations:
			d.handleRecommendation(ctx, contract)
		}
	}
}

func (d *storageDriver) handleRecommendation(ctx context.Context, contract coordinator.Contract) {
	id := contract.ContractID()
	if !d.conf.AutoClaim {
		d.log.Info("Contract looks unclaimed, auto-claim disabled",
			zap.String("contract_id", id),
			zap.String("owner", contract.Owner),
		)
		return
	}

	if err := d.coord.ClaimContract(ctx, id); err != nil {
		d.log.Error("Failed to claim recommended contract", zap.String("contract_id", id), zap.Error(err))
		return
	}
	d.log.Info("Claimed unclaimed contract", zap.String("contract_id", id), zap.String("owner", contract.Owner))
}

// shutdown detaches from the coordinator and, when configured, releases
// every local contract so peers can pick them up without waiting for the
// claims to go stale.
func (d *storageDriver) shutdown(ctx context.Context) error {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if !d.conf.ReleaseOnShutdown {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	for _, id := range d.coord.State().Contracts {
		err = multierr.Append(err, d.coord.ReleaseContract(ctx, id))
	}
	return err
}
