// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sourceimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfg/statcollector/comp/collector/source/sourcedef"
	"github.com/bfg/statcollector/internal/testutil"
	"github.com/bfg/statcollector/pkg/record"
)

const testDriverName = "fake"

// fakeDriver is a scripted Driver: each call to FetchStart pops the next
// scripted response off the queue (or blocks on cancellation if told to).
type fakeDriver struct {
	mu       sync.Mutex
	calls    int
	blockers chan struct{} // closed by the test to unblock a hanging fetch
	script   []fakeResponse
}

type fakeResponse struct {
	result     sourcedef.FetchResult
	err        error
	hang       bool // don't call done until ctx is canceled
	hangResult sourcedef.FetchResult
	hangErr    error
}

func (d *fakeDriver) FetchStart(ctx context.Context, done func(sourcedef.FetchResult, error)) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	var resp fakeResponse
	if i < len(d.script) {
		resp = d.script[i]
	}
	d.mu.Unlock()

	if resp.hang {
		go func() {
			<-ctx.Done()
			done(resp.hangResult, resp.hangErr)
		}()
		return
	}
	done(resp.result, resp.err)
}

func newTestSource(t *testing.T, spec sourcedef.Spec, driver *fakeDriver, recv sourcedef.Receiver, clk clock.Clock) *baseSource {
	t.Helper()
	RegisterDriver(testDriverName, func(map[string]interface{}) (sourcedef.Driver, error) { return driver, nil })
	if spec.Driver == "" {
		spec.Driver = testDriverName
	}
	s, err := New(prometheus.NewRegistry(), testutil.DiscardLogger(), clk, spec, recv)
	require.NoError(t, err)
	return s.(*baseSource)
}

// recordingReceiver captures every record forwarded by a Source.
type recordingReceiver struct {
	mu      sync.Mutex
	records []record.RawData
}

func (r *recordingReceiver) OnSourceData(raw record.RawData, _ *record.Body) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, raw)
	return nil
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestNewRejectsCheckIntervalTooCloseToTimeout(t *testing.T) {
	clk := clock.NewMock()
	_, err := New(prometheus.NewRegistry(), testutil.DiscardLogger(), clk, sourcedef.Spec{
		Name: "bad", Driver: testDriverName,
		CheckInterval: time.Second,
		CheckTimeout:  time.Second,
	}, &recordingReceiver{})
	assert.Error(t, err)
}

func TestStartSchedulesFirstFetchAfterStartupDelay(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{{result: sourcedef.FetchResult{Content: []byte("ok")}}}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s1", CheckInterval: 10 * time.Second, CheckTimeout: time.Second, StartupDelay: 5 * time.Second,
	}, driver, recv, clk)

	s.Start()
	assert.Equal(t, sourcedef.StateScheduled, s.State())
	assert.Equal(t, 0, recv.count())

	clk.Add(5 * time.Second)
	assert.Equal(t, 1, recv.count())
	assert.Equal(t, sourcedef.StateScheduled, s.State())
}

func TestFetchErrorIncrementsSequentialErrorCount(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{
		{err: assertErr()},
		{err: assertErr()},
	}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s2", CheckInterval: 10 * time.Second, CheckTimeout: time.Second,
		MaxErrorsInRow: 5,
	}, driver, recv, clk)

	s.Start()
	clk.Add(0) // fetch 1 at t=0 (no startupDelay): error, streak=1
	assert.Equal(t, 1, s.sequentialErrorCount)
	assert.Equal(t, sourcedef.StateScheduled, s.State())
}

func TestErrorStreakPausesAndResumesAfterErrorResumePause(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{
		{err: assertErr()},
		{err: assertErr()},
		{result: sourcedef.FetchResult{Content: []byte("ok")}},
	}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s3", CheckInterval: 10 * time.Second, CheckTimeout: time.Second,
		MaxErrorsInRow: 2, ErrorResumePause: 90 * time.Second,
	}, driver, recv, clk)

	s.Start()
	clk.Add(0)                // fetch 1 at t=0: error, streak=1
	clk.Add(10 * time.Second) // fetch 2 at t=10s: error, streak=2 -> PAUSED
	assert.Equal(t, sourcedef.StatePaused, s.State())

	clk.Add(90 * time.Second) // resume timer fires
	assert.Equal(t, sourcedef.StateScheduled, s.State())
	assert.Equal(t, 0, s.sequentialErrorCount)

	clk.Add(0) // let the immediately-armed fetch timer run
	assert.Equal(t, 1, recv.count())
}

func TestPauseCancelsInFlightFetch(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{{hang: true, hangErr: context.Canceled}}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s4", CheckInterval: 10 * time.Second, CheckTimeout: 5 * time.Second,
	}, driver, recv, clk)

	s.Start()
	clk.Add(0)
	assert.Equal(t, sourcedef.StateFetching, s.State())

	s.Pause()
	assert.Equal(t, sourcedef.StatePaused, s.State())
}

func TestCheckTimeoutFiresFetchError(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{{hang: true, hangErr: context.DeadlineExceeded}}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s5", CheckInterval: 10 * time.Second, CheckTimeout: 2 * time.Second,
		MaxErrorsInRow: 10,
	}, driver, recv, clk)

	s.Start()
	clk.Add(2 * time.Second)
	assert.Equal(t, 1, s.sequentialErrorCount)
	assert.Equal(t, sourcedef.StateScheduled, s.State())
}

func TestShutdownIsTerminal(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{{result: sourcedef.FetchResult{Content: []byte("ok")}}}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s6", CheckInterval: 10 * time.Second, CheckTimeout: time.Second,
	}, driver, recv, clk)

	s.Start()
	s.Shutdown()
	assert.Equal(t, sourcedef.StateStopped, s.State())

	s.Start()
	assert.Equal(t, sourcedef.StateStopped, s.State())
}

func TestForceHostnamePortAndContentOverrideFetchResult(t *testing.T) {
	clk := clock.NewMock()
	driver := &fakeDriver{script: []fakeResponse{{result: sourcedef.FetchResult{Content: []byte("driver-content"), Host: "driver-host", Port: "1111"}}}}
	recv := &recordingReceiver{}
	s := newTestSource(t, sourcedef.Spec{
		Name: "s7", CheckInterval: 10 * time.Second, CheckTimeout: time.Second,
		ForceHostname: "forced-host", ForcePort: "2222", ForceContent: []byte("forced-content"),
	}, driver, recv, clk)

	s.Start()
	clk.Add(0)
	require.Equal(t, 1, recv.count())
	got := recv.records[0]
	assert.Equal(t, "forced-host", got.Host)
	assert.Equal(t, "2222", got.Port)
	assert.Equal(t, []byte("forced-content"), got.Content)
}

func TestStateStringCoversAllValues(t *testing.T) {
	assert.Equal(t, "INIT", sourcedef.StateInit.String())
	assert.Equal(t, "SCHEDULED", sourcedef.StateScheduled.String())
	assert.Equal(t, "FETCHING", sourcedef.StateFetching.String())
	assert.Equal(t, "PAUSED", sourcedef.StatePaused.String())
	assert.Equal(t, "STOPPED", sourcedef.StateStopped.String())
}

func assertErr() error { return context.DeadlineExceeded }
