// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package dispatcherimpl

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/comp/collector/filter/filterimpl"
	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/comp/collector/source/sourcedef"
	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/comp/collector/storage/storageimpl"
	"github.com/bfg/statcollector/pkg/record"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newTestDispatcher(t *testing.T) *StatCollector {
	t.Helper()
	d, err := New(prometheus.NewRegistry(), testLog(), clock.NewMock(), afero.NewMemMapFs())
	require.NoError(t, err)
	return d
}

func mustRegisterDummyStorage(t *testing.T, d *StatCollector, name string) {
	t.Helper()
	require.NoError(t, d.RegisterStorage(storagedef.Spec{
		Name:         name,
		Driver:       storageimpl.DummyDriverName,
		Config:       map[string]interface{}{"maxDelay": time.Millisecond, "failureRate": 0.0},
		StoreTimeout: time.Second,
	}))
}

func TestNewAutoRegistersDefaultParser(t *testing.T) {
	d := newTestDispatcher(t)
	_, ok := d.parsers[DefaultParserName]
	assert.True(t, ok)
	assert.Equal(t, []string{DefaultParserName}, d.parserOrder)
}

func TestOnSourceDataUsesDefaultParserWhenNoneRequested(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n")}
	err := d.OnSourceData(raw, nil)
	require.NoError(t, err)
}

func TestOnSourceDataSkipsUnknownParserNamesAndUsesFirstSuccess(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	raw := record.RawData{
		ID:          record.NewID(),
		Content:     []byte("cpu: 42\n"),
		ParserNames: []string{"missing", DefaultParserName},
	}
	err := d.OnSourceData(raw, nil)
	assert.NoError(t, err)
}

func TestOnSourceDataDropsWhenAllRequestedParsersMissing(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n"), ParserNames: []string{"nope"}}
	err := d.OnSourceData(raw, nil)
	assert.Error(t, err)
}

func TestOnSourceDataSkipsParsingWhenSourceProvidesParsedBody(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	body := record.NewBody()
	body.Set("cpu", 99)
	raw := record.RawData{ID: record.NewID()}
	err := d.OnSourceData(raw, body)
	assert.NoError(t, err)
}

// dropAllFilterDriver returns keep=false for every record, so the base
// Filter returns (nil, nil).
type dropAllFilterDriver struct{}

func (dropAllFilterDriver) FilterBody(*record.ParsedData) (bool, error) { return false, nil }

func TestFilterChainDropsRecordWhenFilterReturnsNil(t *testing.T) {
	d := newTestDispatcher(t)
	driver := &capturingStorageDriver{}
	storageimpl.DriverFactories["dropcapture"] = func(map[string]interface{}) (storagedef.Driver, error) { return driver, nil }
	defer delete(storageimpl.DriverFactories, "dropcapture")
	require.NoError(t, d.RegisterStorage(storagedef.Spec{Name: "s1", Driver: "dropcapture", StoreTimeout: time.Second}))

	filterimpl.DriverFactories["dropAll"] = func(map[string]interface{}, filterdef.Registry) (filterdef.Driver, error) {
		return dropAllFilterDriver{}, nil
	}
	defer delete(filterimpl.DriverFactories, "dropAll")
	require.NoError(t, d.RegisterFilter(filterdef.Spec{Name: "dropAll", Driver: "dropAll"}))

	raw := record.RawData{
		ID:          record.NewID(),
		Content:     []byte("cpu: 42\nmem: 99\n"),
		FilterNames: []string{"dropAll"},
	}
	err := d.OnSourceData(raw, nil)
	assert.NoError(t, err)
	assert.Empty(t, driver.snapshot())
}

func TestFilterChainSkipsUnregisteredFilterName(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	raw := record.RawData{
		ID:          record.NewID(),
		Content:     []byte("cpu: 42\n"),
		FilterNames: []string{"doesNotExist"},
	}
	err := d.OnSourceData(raw, nil)
	assert.NoError(t, err)
}

func TestDispatchToStoragesBroadcastsWhenNoneRequested(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")
	mustRegisterDummyStorage(t, d, "s2")

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n")}
	err := d.OnSourceData(raw, nil)
	assert.NoError(t, err)
}

func TestDispatchToStoragesSkipsUnknownNamedStorage(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n"), StorageNames: []string{"missing"}}
	err := d.OnSourceData(raw, nil)
	assert.NoError(t, err)
}

func TestFinishInitializationFailsWithNoStorageAndTriggersShutdown(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.FinishInitialization()
	require.Error(t, err)

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n")}
	assert.Error(t, d.OnSourceData(raw, nil))
}

func TestFinishInitializationSucceedsWithAtLeastOneStorage(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")
	assert.NoError(t, d.FinishInitialization())
}

func TestRegisterSourceRejectsProducesParsedDataWithUseParser(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.RegisterSource(sourcedef.Spec{
		Name:               "src1",
		ProducesParsedData: true,
		UseParser:          []string{"DEFAULT"},
		CheckInterval:       time.Minute,
		CheckTimeout:        time.Second,
	})
	assert.Error(t, err)
}

func TestRegisterParserReplacesOnDuplicateName(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.RegisterParser(parserdef.Spec{Name: "p1", Driver: "TextSimple"}))
	first := d.parsers["p1"]
	require.NoError(t, d.RegisterParser(parserdef.Spec{Name: "p1", Driver: "TextSimple"}))
	assert.NotSame(t, first, d.parsers["p1"])
	assert.Equal(t, []string{DefaultParserName, "p1"}, d.parserOrder)
}

func TestShutdownIsIdempotentAndRefusesFurtherRecords(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")

	d.Shutdown()
	d.Shutdown()

	raw := record.RawData{ID: record.NewID(), Content: []byte("cpu: 42\n")}
	err := d.OnSourceData(raw, nil)
	assert.Error(t, err)
}

func TestShutdownReleasesParsersAndFilters(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegisterDummyStorage(t, d, "s1")
	require.NoError(t, d.RegisterFilter(filterdef.Spec{Name: "f1", Driver: filterimpl.UpperCaseDriverName}))

	d.Shutdown()

	assert.Empty(t, d.parsers)
	assert.Empty(t, d.filters)
}
