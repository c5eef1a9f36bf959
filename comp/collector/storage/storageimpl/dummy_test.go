// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storageimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/pkg/record"
)

func TestDummyDriverAlwaysSucceedsWithZeroFailureRate(t *testing.T) {
	d, err := newDummyDriver(map[string]interface{}{"maxDelay": time.Millisecond, "failureRate": 0.0})
	require.NoError(t, err)

	p := record.NewParsedData(record.RawData{})
	p.Body.Set("a", 1)

	resultCh := make(chan error, 1)
	d.DriverStore(context.Background(), "id1", p, func(res storagedef.StoreResult, err error) {
		resultCh <- err
	})

	select {
	case err := <-resultCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DUMMY callback")
	}
}

func TestDummyDriverAlwaysFailsWithFailureRateOne(t *testing.T) {
	d, err := newDummyDriver(map[string]interface{}{"maxDelay": time.Millisecond, "failureRate": 1.0})
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	d.DriverStore(context.Background(), "id1", record.NewParsedData(record.RawData{}), func(res storagedef.StoreResult, err error) {
		resultCh <- err
	})

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DUMMY callback")
	}
}

func TestDummyDriverRespectsCancellation(t *testing.T) {
	d, err := newDummyDriver(map[string]interface{}{"maxDelay": time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	d.DriverStore(ctx, "id1", record.NewParsedData(record.RawData{}), func(res storagedef.StoreResult, err error) {
		resultCh <- err
	})
	cancel()

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DUMMY callback")
	}
}
