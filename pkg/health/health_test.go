// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	c := NewCounters(reg, "storage", "dummy")

	c.ObserveOK(10 * time.Millisecond)
	c.ObserveOK(20 * time.Millisecond)
	c.ObserveErr(5 * time.Millisecond)
	c.AddKeysStored(3)

	s := c.Snapshot()
	a.EqualValues(3, s.Total)
	a.EqualValues(2, s.OK)
	a.EqualValues(1, s.Err)
	a.EqualValues(3, s.KeysStored)
	a.Equal(35*time.Millisecond, s.CumulativeLatency)
	a.InDelta(2.0/3.0, s.SuccessRatio(), 0.0001)
}

func TestCountersSuccessRatioWithNoAttempts(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	c := NewCounters(reg, "parser", "DEFAULT")
	a.Equal(1.0, c.Snapshot().SuccessRatio())
}

func TestCountersReset(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	c := NewCounters(reg, "filter", "upper")
	c.ObserveOK(time.Millisecond)
	c.Reset()
	a.Equal(Snapshot{}, c.Snapshot())
}

func TestNewCountersTwiceSameNameDoesNotPanic(t *testing.T) {
	a := assert.New(t)
	reg := prometheus.NewRegistry()
	a.NotPanics(func() {
		NewCounters(reg, "source", "dup")
		NewCounters(reg, "source", "dup")
	})
}
