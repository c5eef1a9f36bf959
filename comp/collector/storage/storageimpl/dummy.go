// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storageimpl

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/pkg/record"
)

// DummyDriverName sleeps a random delay then randomly succeeds or
// fails (spec §4.5): the reference Storage driver, used in tests and as
// a template for real drivers.
const DummyDriverName = "DUMMY"

func init() {
	registerDriver(DummyDriverName, newDummyDriver)
}

type dummyConfig struct {
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	FailureRate float64       `mapstructure:"failureRate"`
}

type dummyDriver struct {
	cfg dummyConfig
	rng *rand.Rand
}

func newDummyDriver(cfg map[string]interface{}) (storagedef.Driver, error) {
	c := dummyConfig{MaxDelay: 100 * time.Millisecond, FailureRate: 0}
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding DUMMY config: %w", err)
	}
	return &dummyDriver{cfg: c, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func (d *dummyDriver) DriverStore(ctx context.Context, _ string, p *record.ParsedData, done func(storagedef.StoreResult, error)) {
	var delay time.Duration
	if d.cfg.MaxDelay > 0 {
		delay = time.Duration(d.rng.Int63n(int64(d.cfg.MaxDelay)))
	}

	t := time.NewTimer(delay)
	go func() {
		defer t.Stop()
		select {
		case <-ctx.Done():
			done(storagedef.StoreResult{}, ctx.Err())
		case <-t.C:
			if d.rng.Float64() < d.cfg.FailureRate {
				done(storagedef.StoreResult{}, fmt.Errorf("DUMMY: simulated failure"))
				return
			}
			done(storagedef.StoreResult{KeysStored: p.Body.Len()}, nil)
		}
	}()
}
